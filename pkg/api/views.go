package api

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paw-chain/credwallet/pkg/identity"
)

//go:embed views/*.html
var viewFiles embed.FS

func loadViews() (*template.Template, error) {
	return template.ParseFS(viewFiles, "views/*.html")
}

// loginPage renders the login view. A failed popup flow lands here with ?error=google.
func (s *Server) loginPage(c *gin.Context) {
	var message string
	switch c.Query("error") {
	case identity.FlowGoogle:
		message = identity.MsgGoogleFailed
	case identity.FlowPassword:
		message = identity.MsgLoginFailed
	}

	c.HTML(http.StatusOK, "login.html", gin.H{
		"Error":            message,
		"GoogleError":      identity.MsgGoogleFailed,
		"FederatedEnabled": s.identity.FederatedEnabled(),
	})
}

// dashboardPage renders the issuance dashboard
func (s *Server) dashboardPage(c *gin.Context) {
	operator := operatorOf(c)
	c.HTML(http.StatusOK, "dashboard.html", gin.H{
		"Operator": operator,
		"Wallet":   s.wallet.Session(),
		"Status":   s.display(operator),
	})
}
