package sweetpeep

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnnouncementHandlers(t testing.TB) (*APIHandlers, *Announcer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	an := newTestAnnouncer(t)
	sp := an.sp
	sp.announcer = an
	return NewAPIHandlers(sp), an
}

func jsonRequest(
	t testing.TB,
	method string,
	target string,
	payload any,
) *http.Request {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAPIUpdateAnnouncement(t *testing.T) {
	h, an := newAnnouncementHandlers(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(24 * time.Hour)
	a, err := an.Schedule(
		ctx, AnnouncementCreate{
			Message:  "Movie night!",
			TimeSpec: future.Format(announcementTimeLayout),
			Timezone: "UTC",
		}, "admin",
	)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = jsonRequest(
		t,
		http.MethodPatch,
		fmt.Sprintf("/api/announcement/%d", a.ID),
		map[string]any{"message": "Game night!"},
	)
	c.Params = gin.Params{{Key: "id", Value: fmt.Sprint(a.ID)}}
	h.updateAnnouncement(c)
	require.Equal(t, http.StatusOK, w.Code)

	var updated Announcement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "Game night!", updated.Message)

	// moving the announcement into the past is a bad request
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = jsonRequest(
		t,
		http.MethodPatch,
		fmt.Sprintf("/api/announcement/%d", a.ID),
		map[string]any{"time": "2020-01-01 12:00"},
	)
	c.Params = gin.Params{{Key: "id", Value: fmt.Sprint(a.ID)}}
	h.updateAnnouncement(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// unknown IDs conflict
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = jsonRequest(
		t,
		http.MethodPatch,
		"/api/announcement/9999",
		map[string]any{"message": "nope"},
	)
	c.Params = gin.Params{{Key: "id", Value: "9999"}}
	h.updateAnnouncement(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPIGetAnnouncementsDateFilter(t *testing.T) {
	h, an := newAnnouncementHandlers(t)
	ctx := context.Background()

	day := time.Now().UTC().Add(48 * time.Hour)
	otherDay := day.Add(24 * time.Hour)
	for _, sendAt := range []time.Time{day, otherDay} {
		_, err := an.Schedule(
			ctx, AnnouncementCreate{
				Message:  "Event",
				TimeSpec: sendAt.Format(announcementTimeLayout),
				Timezone: "UTC",
			}, "admin",
		)
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(
		http.MethodGet,
		"/api/announcements?date="+day.Format("2006-01-02"),
		nil,
	)
	h.getAnnouncements(c)
	require.Equal(t, http.StatusOK, w.Code)

	var announcements []Announcement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &announcements))
	require.Len(t, announcements, 1)
	assert.Equal(
		t,
		day.Format("2006-01-02"),
		announcements[0].SendTime().Format("2006-01-02"),
	)

	// malformed dates are rejected
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(
		http.MethodGet, "/api/announcements?date=someday", nil,
	)
	h.getAnnouncements(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	tmpdir := t.TempDir()
	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")

	cert, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	cfg, err := tlsConfig(certfile, keyfile, tls.VersionTLS12)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestTLSConfigMissingFiles(t *testing.T) {
	tmpdir := t.TempDir()
	_, err := tlsConfig(
		filepath.Join(tmpdir, "missing-cert.pem"),
		filepath.Join(tmpdir, "missing-key.pem"),
		tls.VersionTLS12,
	)
	require.Error(t, err)
}
