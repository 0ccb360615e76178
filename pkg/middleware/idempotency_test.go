package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is an in-memory RedisClient for middleware tests.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	failing bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStringResult("", context.DeadlineExceeded)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStatusResult("", context.DeadlineExceeded)
	}
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewBoolResult(false, context.DeadlineExceeded)
	}
	if _, exists := f.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func newIdempotentRouter(rc RedisClient, required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Idempotency(&IdempotencyConfig{Redis: rc, Required: required}))
	calls := 0
	router.POST("/checkout", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"call": calls})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func post(router *gin.Engine, key, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestIdempotencyReplaysCompletedResponse(t *testing.T) {
	router := newIdempotentRouter(newFakeRedis(), false)

	first := post(router, "key-1", `{"cart":"a"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	second := post(router, "key-1", `{"cart":"a"}`)
	require.Equal(t, http.StatusCreated, second.Code)
	// Same response body, handler not re-run.
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestIdempotencyRejectsKeyReuseWithDifferentBody(t *testing.T) {
	router := newIdempotentRouter(newFakeRedis(), false)

	post(router, "key-1", `{"cart":"a"}`)
	w := post(router, "key-1", `{"cart":"b"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestIdempotencyOptionalWithoutHeader(t *testing.T) {
	router := newIdempotentRouter(newFakeRedis(), false)

	first := post(router, "", `{"cart":"a"}`)
	second := post(router, "", `{"cart":"a"}`)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	// Without a key every request runs the handler.
	assert.NotEqual(t, first.Body.String(), second.Body.String())
}

func TestIdempotencyRequiredWithoutHeader(t *testing.T) {
	router := newIdempotentRouter(newFakeRedis(), true)
	w := post(router, "", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotencySkipsReads(t *testing.T) {
	rc := newFakeRedis()
	router := newIdempotentRouter(rc, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, rc.data)
}

func TestIdempotencyFailsOpenOnRedisErrors(t *testing.T) {
	rc := newFakeRedis()
	rc.failing = true
	router := newIdempotentRouter(rc, false)

	w := post(router, "key-1", `{}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestGetIdempotencyKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Idempotency(&IdempotencyConfig{Redis: newFakeRedis()}))
	var got string
	router.POST("/checkout", func(c *gin.Context) {
		got, _ = GetIdempotencyKey(c)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString("{}"))
	req.Header.Set(IdempotencyKeyHeader, "key-42")
	router.ServeHTTP(w, req)
	assert.Equal(t, "key-42", got)
}
