package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func submit(router http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/2010-04-01/Accounts/AC1/Messages.json", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("AC1", "token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateMessage_DeliversCallbacks(t *testing.T) {
	var mu sync.Mutex
	var statuses []string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		statuses = append(statuses, r.PostForm.Get("MessageStatus"))
		mu.Unlock()
	}))
	defer relay.Close()

	gw := NewMockGateway(1, 0, 0)
	gw.readRate = 1
	router := SetupRouter(NewHandler(gw, ""))

	w := submit(router, url.Values{
		"To":             {"whatsapp:+15551234567"},
		"From":           {"whatsapp:+15550000000"},
		"Body":           {"hello"},
		"StatusCallback": {relay.URL},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var res MessageResource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, strings.HasPrefix(res.SID, "SM"))
	assert.Equal(t, "queued", res.Status)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sent", "delivered", "read"}, statuses)
}

func TestCreateMessage_Rejections(t *testing.T) {
	gw := NewMockGateway(1, 0, 0)
	router := SetupRouter(NewHandler(gw, ""))

	w := submit(router, url.Values{"To": {"+15551234567"}, "From": {"whatsapp:+15550000000"}, "Body": {"x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = submit(router, url.Values{"To": {"whatsapp:+15551234567"}, "From": {"whatsapp:+15550000000"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	gw.throttleRate = 1
	w = submit(router, url.Values{"To": {"whatsapp:+15551234567"}, "From": {"whatsapp:+15550000000"}, "Body": {"x"}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var apiErr apiError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, 20429, apiErr.Code)
}
