package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(f *fixture) *gin.Engine {
	router := gin.New()
	h := NewHandler(f.service)
	v1 := router.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return router
}

func TestOpenDisputeHandler(t *testing.T) {
	f := newFixture(t)
	link := f.approvedLink(t, "")
	router := newRouter(f)

	body, err := json.Marshal(map[string]string{
		"escrowId": link.ID,
		"openedBy": "buyer-1",
		"reason":   "item never arrived",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/disputes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var d Dispute
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, link.ID, d.EscrowID)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, "item never arrived", d.Reason)
}

func TestOpenDisputeHandlerTruncatesReason(t *testing.T) {
	f := newFixture(t)
	link := f.approvedLink(t, "")
	router := newRouter(f)

	body, err := json.Marshal(map[string]string{
		"escrowId": link.ID,
		"openedBy": "buyer-1",
		"reason":   strings.Repeat("x", 600),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/disputes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var d Dispute
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Len(t, d.Reason, 500)
}
