package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gluco-circle/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newShareTestClient(serverURL string) *ShareClient {
	return NewShareClient(serverURL, serverURL, "app-id", 0, zap.NewNop())
}

func TestShareClient_Login(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ShareWebServices/Services/General/AuthenticatePublisherAccount":
			w.Write([]byte(`"account-1"`))
		case "/ShareWebServices/Services/General/LoginPublisherAccountById":
			w.Write([]byte(`"session-1"`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newShareTestClient(server.URL)
	cred := &ShareCredential{Username: "alice", Password: "pw", Region: models.RegionUS}

	sessionID, err := client.Login(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "session-1", sessionID)
}

func TestShareClient_LoginInvalidCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"Code":"SSO_AuthenticatePasswordInvalid","Message":"password invalid"}`))
	}))
	defer server.Close()

	client := newShareTestClient(server.URL)
	cred := &ShareCredential{Username: "alice", Password: "wrong", Region: models.RegionUS}

	_, err := client.Login(context.Background(), cred)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestShareClient_FetchReadings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ShareWebServices/Services/Publisher/ReadPublisherLatestGlucoseValues", r.URL.Path)
		assert.Equal(t, "session-1", r.URL.Query().Get("sessionId"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"WT":"/Date(1756548000000)/","Value":138,"Trend":"Flat"},
			{"WT":"/Date(1756548300000)/","Value":125,"Trend":6}
		]`))
	}))
	defer server.Close()

	client := newShareTestClient(server.URL)

	readings, err := client.FetchReadings(context.Background(), models.RegionUS, "session-1", 60, 12)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, 138, readings[0].Value)
	assert.Equal(t, models.TrendStable, readings[0].Trend)
	assert.Equal(t, models.SourceDexcomShare, readings[0].Source)
	assert.Equal(t, time.UnixMilli(1756548000000).UTC(), readings[0].Timestamp)
	assert.Equal(t, models.TrendFallingFast, readings[1].Trend)
}

func TestShareClient_FollowerRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"Code":"MonitoringSessionNotActive","Message":"no active share session"}`))
	}))
	defer server.Close()

	client := newShareTestClient(server.URL)

	_, err := client.FetchReadings(context.Background(), models.RegionUS, "session-1", 60, 12)
	assert.ErrorIs(t, err, models.ErrFollowerRequired)
}

func TestShareClient_SessionExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"Code":"SessionIdNotFound","Message":"session not found"}`))
	}))
	defer server.Close()

	client := newShareTestClient(server.URL)

	_, err := client.FetchReadings(context.Background(), models.RegionUS, "stale", 60, 12)
	assert.ErrorIs(t, err, models.ErrReauthRequired)
}

func TestParseShareTimestamp(t *testing.T) {
	ts, err := parseShareTimestamp("/Date(1693401600000)/")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1693401600000).UTC(), ts)

	_, err = parseShareTimestamp("2023-08-30T12:00:00Z")
	assert.Error(t, err)
}
