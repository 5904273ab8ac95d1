package routes

import (
	"chama_ledger/internal/controllers"
	"chama_ledger/internal/middleware"

	"github.com/gin-gonic/gin"
)

// MemberRoutes are read-only self-service views for member logins.
func MemberRoutes(r *gin.Engine) {
	member := r.Group("/member")
	member.Use(middleware.RequireAuthWithRole("member"))
	{
		member.GET("/profile", controllers.GetMyProfile)
		member.GET("/savings", controllers.GetMySavings)
		member.GET("/loans", controllers.GetMyLoans)
	}
}
