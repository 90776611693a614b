package handler

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the API on r.
func RegisterRoutes(r gin.IRouter, trees *TreeHandler, files *FileHandler, ws *WSHandler) {
	r.GET("/health", trees.Health)

	api := r.Group("/api")
	{
		// Client management APIs
		api.GET("/clients", trees.GetClients)
		api.POST("/clients", trees.AddClient)
		api.PUT("/clients", trees.UpdateClient)
		api.DELETE("/clients", trees.RemoveClient)
		api.PUT("/exclude", trees.UpdateGlobalExclude)

		// Per-client view APIs
		client := api.Group("/clients/:id")
		client.GET("/tree", trees.GetTree)
		client.GET("/fs/*path", trees.Expand)
		client.POST("/collapse/*path", trees.Collapse)
		client.POST("/select/*path", trees.Select)
		client.GET("/search", trees.Search)
		client.POST("/refresh/*path", trees.Refresh)
		client.GET("/refresh", trees.GetRefreshing)
		client.DELETE("/session", trees.CloseSession)
		client.GET("/files/*path", files.GetFile)
		client.GET("/raw/*path", files.GetRaw)
		client.GET("/ws", ws.HandleWS)
	}
}
