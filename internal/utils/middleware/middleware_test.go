package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/imagegen/server/internal/port/outbound"
	"github.com/imagegen/server/internal/utils/requestctx"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	t.Run("generates new request ID when not provided", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, GetRequestID(c))
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		headerID := w.Header().Get(RequestIDHeader)
		assert.NotEmpty(t, headerID)
		assert.Equal(t, headerID, w.Body.String())
	})

	t.Run("uses existing request ID from header", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, GetRequestID(c))
		})

		existingID := "existing-request-id-123"
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, existingID)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, existingID, w.Header().Get(RequestIDHeader))
		assert.Equal(t, existingID, w.Body.String())
	})

	t.Run("propagates request ID into request context", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, requestctx.RequestID(c.Request.Context()))
		})

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, "ctx-id")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "ctx-id", w.Body.String())
	})
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  zapcore.Level
	}{
		{"logs successful requests as info", http.StatusOK, zapcore.InfoLevel},
		{"logs 4xx requests as warnings", http.StatusNotFound, zapcore.WarnLevel},
		{"logs 5xx requests as errors", http.StatusInternalServerError, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)

			router := gin.New()
			router.Use(RequestID(), Logging(zap.New(core)))
			router.GET("/test", func(c *gin.Context) {
				c.String(tt.status, "x")
			})

			req := httptest.NewRequest("GET", "/test?foo=bar", nil)
			req.Header.Set("User-Agent", "TestAgent/1.0")
			router.ServeHTTP(httptest.NewRecorder(), req)

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, "HTTP Request", entry.Message)

			fields := entry.ContextMap()
			assert.Equal(t, int64(tt.status), fields["status"])
			assert.Equal(t, "/test", fields["path"])
			assert.Equal(t, "foo=bar", fields["query"])
			assert.Equal(t, "TestAgent/1.0", fields["user_agent"])
			assert.NotEmpty(t, fields["request_id"])
			assert.NotContains(t, fields, "account_id")
		})
	}
}

func TestRecovery(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)

		router := gin.New()
		router.Use(Recovery(zap.New(core)))
		router.GET("/panic", func(c *gin.Context) {
			panic("test panic")
		})

		w := httptest.NewRecorder()
		require.NotPanics(t, func() {
			router.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
		require.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
		assert.Equal(t, "test panic", logs.All()[0].ContextMap()["error"])
	})

	t.Run("works without a logger", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/panic", func(c *gin.Context) {
			panic("test panic")
		})

		w := httptest.NewRecorder()
		require.NotPanics(t, func() {
			router.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

type stubValidator struct {
	claims *outbound.AccessClaims
	err    error
}

func (v stubValidator) ValidateAccessToken(string) (*outbound.AccessClaims, error) {
	return v.claims, v.err
}

func TestAuth(t *testing.T) {
	accountID := uuid.New()
	valid := stubValidator{claims: &outbound.AccessClaims{AccountID: accountID}}

	newRouter := func(v TokenValidator) *gin.Engine {
		router := gin.New()
		router.Use(RequireAuth(v))
		router.GET("/me", func(c *gin.Context) {
			c.String(http.StatusOK, GetAccountID(c).String())
		})
		return router
	}

	t.Run("sets account id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set(AuthorizationHeader, BearerPrefix+"token")
		w := httptest.NewRecorder()
		newRouter(valid).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, accountID.String(), w.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(valid).ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set(AuthorizationHeader, BearerPrefix+"token")
		w := httptest.NewRecorder()
		newRouter(stubValidator{err: errors.New("expired")}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_TOKEN")
	})

	t.Run("non bearer scheme", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set(AuthorizationHeader, "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()
		newRouter(valid).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

type mockRateLimiter struct {
	mock.Mock
}

func (m *mockRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func (m *mockRateLimiter) GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Int(0), args.Error(1)
}

func TestRateLimitSubmissions(t *testing.T) {
	accountID := uuid.New()
	bucket := "submit:" + accountID.String()

	newRouter := func(limiter outbound.RateLimiterPort) *gin.Engine {
		router := gin.New()
		router.Use(func(c *gin.Context) {
			c.Set(AccountIDKey, accountID)
			c.Next()
		})
		router.POST("/v1/generations", RateLimitSubmissions(limiter, 2, time.Minute, zap.NewNop()), func(c *gin.Context) {
			c.Status(http.StatusAccepted)
		})
		return router
	}

	t.Run("allowed", func(t *testing.T) {
		limiter := new(mockRateLimiter)
		limiter.On("Allow", mock.Anything, bucket, 2, time.Minute).Return(true, nil)
		limiter.On("GetRemaining", mock.Anything, bucket, 2, time.Minute).Return(1, nil)

		w := httptest.NewRecorder()
		newRouter(limiter).ServeHTTP(w, httptest.NewRequest("POST", "/v1/generations", nil))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "2", w.Header().Get(RateLimitLimit))
		assert.Equal(t, "1", w.Header().Get(RateLimitRemaining))
		limiter.AssertExpectations(t)
	})

	t.Run("limited", func(t *testing.T) {
		limiter := new(mockRateLimiter)
		limiter.On("Allow", mock.Anything, bucket, 2, time.Minute).Return(false, nil)

		w := httptest.NewRecorder()
		newRouter(limiter).ServeHTTP(w, httptest.NewRequest("POST", "/v1/generations", nil))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get(RetryAfter))
		assert.Equal(t, "0", w.Header().Get(RateLimitRemaining))
		assert.JSONEq(t, `{"error":{"code":"RATE_LIMIT_EXCEEDED","message":"Too many requests, please try again later"}}`, w.Body.String())
		limiter.AssertNotCalled(t, "GetRemaining", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("limiter failure lets the request through", func(t *testing.T) {
		limiter := new(mockRateLimiter)
		limiter.On("Allow", mock.Anything, bucket, 2, time.Minute).Return(false, errors.New("redis down"))

		core, logs := observer.New(zap.WarnLevel)
		router := gin.New()
		router.Use(func(c *gin.Context) {
			c.Set(AccountIDKey, accountID)
			c.Next()
		})
		router.POST("/v1/generations", RateLimitSubmissions(limiter, 2, time.Minute, zap.New(core)), func(c *gin.Context) {
			c.Status(http.StatusAccepted)
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/generations", nil))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Empty(t, w.Header().Get(RateLimitLimit))
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, bucket, logs.All()[0].ContextMap()["bucket"])
	})
}

func TestRateLimitByIP(t *testing.T) {
	limiter := new(mockRateLimiter)
	limiter.On("Allow", mock.Anything, mock.Anything, 1, time.Minute).Return(false, nil)

	router := gin.New()
	router.Use(RateLimitByIP(limiter, 1, time.Minute, zap.NewNop(), "/healthz", "/webhooks/"))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.GET("/healthz", ok)
	router.POST("/webhooks/stripe", ok)
	router.GET("/v1/credits", ok)

	for _, path := range []string{"/healthz", "/webhooks/stripe"} {
		method := http.MethodGet
		if path == "/webhooks/stripe" {
			method = http.MethodPost
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	limiter.AssertNumberOfCalls(t, "Allow", 1)
	limiter.AssertCalled(t, "Allow", mock.Anything, "ip:203.0.113.7", 1, time.Minute)
}

func TestIdempotency_Passthrough(t *testing.T) {
	t.Run("no redis", func(t *testing.T) {
		router := gin.New()
		router.POST("/x", Idempotency(nil, DefaultIdempotencyConfig()), func(c *gin.Context) {
			c.Status(http.StatusCreated)
		})

		req := httptest.NewRequest("POST", "/x", nil)
		req.Header.Set(IdempotencyKeyHeader, "k1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("key required", func(t *testing.T) {
		router := gin.New()
		router.POST("/x", IdempotencyRequired(), func(c *gin.Context) {
			c.Status(http.StatusCreated)
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/x", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_REQUIRED")
	})
}

func TestIdempotencyKey_ScopedToAccount(t *testing.T) {
	keyFor := func(accountID uuid.UUID) string {
		var key string
		router := gin.New()
		router.POST("/x", func(c *gin.Context) {
			c.Set(AccountIDKey, accountID)
			key = generateIdempotencyKey(c, "same")
		})
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/x", nil))
		return key
	}

	a, b := keyFor(uuid.New()), keyFor(uuid.New())
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, idempotencyKeyPrefix)
}

type recordingMetrics struct {
	path     string
	status   int
	inFlight int
}

func (m *recordingMetrics) RecordHTTPRequest(_, path string, status int, _ time.Duration) {
	m.path, m.status = path, status
}
func (m *recordingMetrics) IncInFlight() { m.inFlight++ }
func (m *recordingMetrics) DecInFlight() { m.inFlight-- }

func TestMetrics(t *testing.T) {
	rec := &recordingMetrics{}
	router := gin.New()
	router.Use(Metrics(rec))
	router.GET("/v1/generations/:id", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/generations/abc", nil))

	assert.Equal(t, "/v1/generations/:id", rec.path)
	assert.Equal(t, http.StatusNotFound, rec.status)
	assert.Equal(t, 0, rec.inFlight)
}

func TestDefaultCORSConfig(t *testing.T) {
	cfg := DefaultCORSConfig()

	assert.Equal(t, []string{"*"}, cfg.AllowOrigins)
	assert.Contains(t, cfg.AllowMethods, "DELETE")
	assert.Contains(t, cfg.AllowHeaders, "Authorization")
	assert.Contains(t, cfg.AllowHeaders, IdempotencyKeyHeader)
	assert.False(t, cfg.AllowCredentials)
	assert.NotNil(t, CORS(CORSConfig{AllowOrigins: []string{"https://app.example.com"}}))
}
