package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omnichat/backend/internal/common"
	"github.com/omnichat/backend/internal/httpapi/handlers"
	"github.com/omnichat/backend/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	// captcha
	r.POST("/captcha", h.SendCaptcha)

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	// auth
	r.POST("/login", h.Login)

	authGroup := r.Group("/api")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.GET("/me", h.Me)

	// chats (JWT required)
	authGroup.POST("/chats", h.CreateChat)
	authGroup.GET("/chats", h.ListChats)
	authGroup.GET("/chats/:chat_id", h.GetChat)
	authGroup.DELETE("/chats/:chat_id", h.DeleteChat)
	authGroup.POST("/chats/:chat_id/messages", h.SendChatMessageAsync)
	authGroup.GET("/chats/:chat_id/events", h.StreamChatEvents)
	authGroup.POST("/chats/:chat_id/jobs/:job_id/cancel", h.CancelJob)
	authGroup.GET("/jobs/:job_id", h.GetChatJob)

	return r
}
