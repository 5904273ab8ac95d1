package routes

import (
	"chama_ledger/internal/controllers"
	"chama_ledger/internal/middleware"

	"github.com/gin-gonic/gin"
)

// AdminRoutes is the treasurer surface: everything that moves money lives
// behind the admin role.
func AdminRoutes(r *gin.Engine) {
	admin := r.Group("/admin")
	admin.Use(middleware.RequireAuthWithRole("admin"))
	{
		admin.POST("/members", controllers.CreateMember)
		admin.GET("/members", controllers.ListMembers)
		admin.GET("/members/:id", controllers.GetMember)
		admin.PUT("/members/:id", controllers.UpdateMember)
		admin.DELETE("/members/:id", controllers.DeleteMember)
		admin.GET("/members/:id/savings", controllers.GetMemberSavings)

		admin.POST("/savings/contributions", controllers.RecordContribution)
		admin.DELETE("/savings/transactions/:id", controllers.DeleteSavingsTransaction)

		admin.POST("/cycles", controllers.CreateCycle)
		admin.GET("/cycles", controllers.ListCycles)
		admin.GET("/cycles/:id", controllers.GetCycle)
		admin.PUT("/cycles/:id", controllers.UpdateCycle)
		admin.POST("/cycles/:id/close", controllers.CloseCycle)
		admin.DELETE("/cycles/:id", controllers.DeleteCycle)
		admin.POST("/cycles/:id/members", controllers.AddCycleMember)
		admin.POST("/cycles/:id/collections", controllers.CreateCollection)

		admin.POST("/collections/:id/payments", controllers.RecordCollectionPayment)
		admin.PUT("/collections/:id", controllers.UpdateCollection)
		admin.DELETE("/collections/:id", controllers.DeleteCollection)
		admin.POST("/collections/:id/disburse", controllers.DisburseCollectionLoan)

		admin.POST("/sequences/:id/disburse", controllers.DisburseSequenceLoan)

		admin.POST("/loans", controllers.CreateLoan)
		admin.GET("/loans", controllers.ListLoans)
		admin.GET("/loans/:id", controllers.GetLoan)
		admin.POST("/loans/:id/reverse", controllers.ReverseLoan)
		admin.POST("/loans/:id/repayments", controllers.RepayLoan)
		admin.POST("/loans/:id/default", controllers.DefaultLoan)

		admin.DELETE("/repayments/:id", controllers.DeleteRepayment)
	}
}
