// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/InletAI/InletDocs/handlers"
	"github.com/InletAI/InletDocs/middleware"
	"github.com/InletAI/InletDocs/services"
	"github.com/InletAI/InletDocs/storage"
)

// SetupRoutes registers all HTTP and WebSocket endpoints.
func SetupRoutes(router *gin.Engine, verifier middleware.TokenVerifier,
	hub *handlers.Hub, pipeline *services.QuestionPipeline,
	chats *storage.ChatStore, history *storage.HistoryStore) {

	router.Use(otelgin.Middleware("inletdocs"))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(verifier))
	{
		v1.GET("/qa/ws", handlers.HandleQuestionWebSocket(hub, pipeline))
		v1.GET("/qa/history/:documentId", handlers.GetChatHistory(chats, history))
	}
}
