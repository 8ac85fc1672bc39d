package main

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// registerRoutes binds the HTTP surface owned by the core.
func registerRoutes(e *echo.Echo, app *App) {
	e.Use(middleware.Recover())

	e.POST("/ingest/file", app.ingestFileHandler)
	e.POST("/ingest/urls", app.ingestURLsHandler)
	e.POST("/ingest/text", app.ingestTextHandler)

	e.GET("/tasks", app.listTasksHandler)
	e.GET("/tasks/:id", app.getTaskHandler)

	e.GET("/documents", app.listDocumentsHandler)
	e.DELETE("/documents/:id", app.deleteDocumentHandler)

	e.POST("/query", app.queryHandler)

	e.GET("/documents-3d", app.documents3DHandler)
	e.GET("/documents/:id/chunks-3d", app.documentChunks3DHandler)
}
