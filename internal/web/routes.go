package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vzahanych/firewatch/internal/predict"
)

// Views reached after a successful classification
const (
	RouteFireResult   = "/result"
	RouteNoFireResult = "/final"
)

// RouteFor maps a classification label to its result view
func RouteFor(label string) string {
	if label == predict.LabelFire {
		return RouteFireResult
	}
	return RouteNoFireResult
}

const (
	clientCookie = "firewatch_client"
	clientKey    = "client_id"
)

// clientIdentity gives every browser a stable id so selections and outcomes
// are kept apart
func clientIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(clientCookie)
		if err != nil || uuid.Validate(id) != nil {
			id = uuid.New().String()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(clientCookie, id, 0, "/", "", false, true)
		}
		c.Set(clientKey, id)
		c.Next()
	}
}

func clientID(c *gin.Context) string {
	return c.GetString(clientKey)
}
