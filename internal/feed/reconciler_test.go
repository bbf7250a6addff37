package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"
	"gluco-circle/internal/timeline"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reconcilerFixture struct {
	reconciler *Reconciler
	mock       sqlmock.Sqlmock
	sealer     *CredentialSealer
}

func newReconcilerFixture(t *testing.T, oauthURL, shareURL string) *reconcilerFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{}
	cfg.Dexcom.SyncIntervalSeconds = 300
	cfg.Alarm.Cache.LastReadingPrefix = "gluco:last-reading:"

	logger := zap.NewNop()
	readings := repository.NewReadingsRepository(db, logger)
	connections := repository.NewConnectionsRepository(db, logger)
	tl := timeline.NewTimeline(cfg, readings, redisClient, logger)

	sealer, err := NewCredentialSealer(testKey())
	require.NoError(t, err)

	oauthClient := NewOAuthClient(oauthURL, "cid", "csecret", "https://app/callback", 0, logger)
	shareClient := NewShareClient(shareURL, shareURL, "app-id", 0, logger)

	return &reconcilerFixture{
		reconciler: NewReconciler(cfg, connections, tl, oauthClient, shareClient, sealer, logger),
		mock:       mock,
		sealer:     sealer,
	}
}

func emptyReadingRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"reading_id", "owner_id", "value", "trend", "source", "timestamp", "notes", "created_at"})
}

// expectStoredReading 一条新读数入库的完整期望：去重桶未命中、无时间重叠、插入成功
func expectStoredReading(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM glucose_readings").WillReturnRows(emptyReadingRows())
	mock.ExpectQuery("FROM glucose_readings").WillReturnRows(emptyReadingRows())
	mock.ExpectExec("INSERT INTO glucose_readings").WillReturnResult(sqlmock.NewResult(0, 1))
}

func shareServerWithReadings(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ShareWebServices/Services/General/AuthenticatePublisherAccount":
			w.Write([]byte(`"account-1"`))
		case "/ShareWebServices/Services/General/LoginPublisherAccountById":
			w.Write([]byte(`"session-1"`))
		case "/ShareWebServices/Services/Publisher/ReadPublisherLatestGlucoseValues":
			w.Write([]byte(body))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
}

func shareConnection(t *testing.T, sealer *CredentialSealer) *models.CGMConnection {
	t.Helper()
	sealed, err := SealShareCredential(sealer, &ShareCredential{
		Username: "alice",
		Password: "pw",
		Region:   models.RegionUS,
	})
	require.NoError(t, err)

	return &models.CGMConnection{
		ConnectionID:     "conn-1",
		OwnerID:          "owner-1",
		Type:             models.ConnectionShare,
		SealedCredential: sealed,
		Connected:        true,
	}
}

func TestReconciler_ShareSync(t *testing.T) {
	now := time.Now()
	body := fmt.Sprintf(`[
		{"WT":"/Date(%d)/","Value":138,"Trend":"Flat"},
		{"WT":"/Date(%d)/","Value":132,"Trend":"FortyFiveDown"}
	]`, now.Add(-10*time.Minute).UnixMilli(), now.Add(-5*time.Minute).UnixMilli())

	server := shareServerWithReadings(t, body)
	defer server.Close()

	f := newReconcilerFixture(t, "http://unused", server.URL)
	conn := shareConnection(t, f.sealer)

	expectStoredReading(f.mock)
	expectStoredReading(f.mock)
	f.mock.ExpectExec("UPDATE cgm_connections").WillReturnResult(sqlmock.NewResult(0, 1))

	report, err := f.reconciler.Sync(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Stored)
	assert.Zero(t, report.Duplicates)
	assert.NotNil(t, conn.LastSyncAt)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconciler_ShareSyncPartialFailure(t *testing.T) {
	now := time.Now()
	body := fmt.Sprintf(`[
		{"WT":"/Date(%d)/","Value":138,"Trend":"Flat"},
		{"WT":"/Date(%d)/","Value":132,"Trend":"Flat"}
	]`, now.Add(-10*time.Minute).UnixMilli(), now.Add(-5*time.Minute).UnixMilli())

	server := shareServerWithReadings(t, body)
	defer server.Close()

	f := newReconcilerFixture(t, "http://unused", server.URL)
	conn := shareConnection(t, f.sealer)

	expectStoredReading(f.mock)
	f.mock.ExpectQuery("FROM glucose_readings").WillReturnError(fmt.Errorf("connection reset"))

	_, err := f.reconciler.Sync(context.Background(), conn)
	require.Error(t, err)

	var syncErr *models.SyncFailedError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, 1, syncErr.Ingested)
}

func TestReconciler_ShareInvalidCredentialsDisconnects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"Code":"SSO_AuthenticatePasswordInvalid","Message":"password invalid"}`))
	}))
	defer server.Close()

	f := newReconcilerFixture(t, "http://unused", server.URL)
	conn := shareConnection(t, f.sealer)

	f.mock.ExpectExec("UPDATE cgm_connections").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.reconciler.Sync(context.Background(), conn)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconciler_OAuthRefreshOnUnauthorized(t *testing.T) {
	now := time.Now()
	var egvCalls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v3/users/self/egvs":
			egvCalls++
			if egvCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprintf(w, `{"records":[{"systemTime":%q,"value":144,"trend":"flat"}]}`,
				now.UTC().Format("2006-01-02T15:04:05"))
		case "/v2/oauth2/token":
			w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","expires_in":7200}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	f := newReconcilerFixture(t, server.URL, "http://unused")

	sealed, err := SealOAuthCredential(f.sealer, &OAuthCredential{
		AccessToken:  "at-stale",
		RefreshToken: "rt-1",
		ExpiresAt:    now.Add(time.Hour),
	})
	require.NoError(t, err)

	conn := &models.CGMConnection{
		ConnectionID:     "conn-2",
		OwnerID:          "owner-1",
		Type:             models.ConnectionOAuth,
		SealedCredential: sealed,
		Connected:        true,
	}

	f.mock.ExpectExec("UPDATE cgm_connections").WillReturnResult(sqlmock.NewResult(0, 1)) // 新凭证落库
	expectStoredReading(f.mock)
	f.mock.ExpectExec("UPDATE cgm_connections").WillReturnResult(sqlmock.NewResult(0, 1)) // last_sync

	report, err := f.reconciler.Sync(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, 2, egvCalls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconciler_OAuthRefreshRejectedDisconnects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/users/self/egvs":
			w.WriteHeader(http.StatusUnauthorized)
		case "/v2/oauth2/token":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}
	}))
	defer server.Close()

	f := newReconcilerFixture(t, server.URL, "http://unused")

	sealed, err := SealOAuthCredential(f.sealer, &OAuthCredential{
		AccessToken:  "at-stale",
		RefreshToken: "rt-revoked",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	conn := &models.CGMConnection{
		ConnectionID:     "conn-2",
		OwnerID:          "owner-1",
		Type:             models.ConnectionOAuth,
		SealedCredential: sealed,
		Connected:        true,
	}

	f.mock.ExpectExec("UPDATE cgm_connections").WillReturnResult(sqlmock.NewResult(0, 1)) // 断开

	_, err = f.reconciler.Sync(context.Background(), conn)
	assert.ErrorIs(t, err, models.ErrReauthRequired)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
