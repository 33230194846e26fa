package marketplace

import "github.com/labstack/echo/v4"

// Register mounts the marketplace routes. pub is unauthenticated, api runs
// behind JWT and admin behind JWT plus the admin guard. payMW wraps the
// pay route only.
func (h *Handler) Register(pub, api, admin *echo.Group, payMW ...echo.MiddlewareFunc) {
	pub.GET("/skills", GetSkills)
	pub.GET("/listings", GetListings)
	pub.GET("/listings/:id", h.GetListing)
	pub.GET("/requests", h.BrowseRequests)
	pub.GET("/users/:id/reviews", h.GetUserReviews)
	pub.POST("/payments/mpesa/callback", h.MPesaCallback)

	api.POST("/listings", CreateListing)
	api.GET("/listings/me", GetMyListings)
	api.PATCH("/listings/:id", UpdateListingStatus)

	api.POST("/requests", h.CreateRequest)
	api.GET("/requests/me", h.MyRequests)
	api.GET("/requests/:id", h.GetRequest)
	api.POST("/requests/:id/accept", h.AcceptRequest)
	api.POST("/requests/:id/start", h.StartRequest)
	api.POST("/requests/:id/complete", h.CompleteRequest)
	api.POST("/requests/:id/cancel", h.CancelRequest)
	api.POST("/requests/:id/pay", h.PayRequest, payMW...)

	api.GET("/transactions/me", h.MyTransactions)
	api.POST("/transactions/:id/reviews", h.CreateReview)
	api.GET("/transactions/:id/reviews", h.GetTransactionReviews)

	admin.GET("/requests", h.AdminListRequests)
	admin.POST("/requests/:id/abandon", h.AbandonRequest)
	admin.GET("/transactions", h.AdminListTransactions)
}
