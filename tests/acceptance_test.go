// nolint:canonicalheader
package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"quota-gate-service/assembly"
	"quota-gate-service/conf"
	"quota-gate-service/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/txix-open/isp-kit/http/httpcli"
	"github.com/txix-open/isp-kit/log"
	"github.com/txix-open/isp-kit/requestid"
	"github.com/txix-open/isp-kit/test"
	"github.com/txix-open/isp-kit/test/httpt"
)

type request struct {
	Id string
}

type response struct {
	Id string
}

type GateTestSuite struct {
	suite.Suite
}

func (s *GateTestSuite) TestHttpProxy() {
	test, require := test.New(s.T())

	requestId := requestid.Next()
	targetService := httpt.NewMock(test)
	targetService.POST("/endpoint", func(ctx context.Context, httpReq *http.Request, req request) response {
		require.EqualValues(requestId, httpReq.Header.Get("x-request-id"))
		return response{Id: req.Id} //nolint:gosimple
	})

	config := s.remoteConfig(nil, conf.PublicReadGroup)
	srv := s.startGate(test, config, []conf.Location{{
		PathPrefix:    "/api",
		Protocol:      conf.HttpProtocol,
		UpstreamHosts: []string{hostOf(test, targetService.BaseURL())},
	}}, nil)

	cli := httpcli.New()
	req := request{Id: uuid.New().String()}
	resp := response{}
	_, err := cli.Post(srv.URL+"/api/endpoint").
		Header("x-request-id", requestId).
		JsonRequestBody(req).
		JsonResponseBody(&resp).
		StatusCodeToError().
		Do(context.Background())
	require.NoError(err)
	require.EqualValues(req.Id, resp.Id)
}

func (s *GateTestSuite) TestWsProxy() {
	test, require := test.New(s.T())

	upgrader := websocket.Upgrader{}
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/stream", func(writer http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(writer, r, nil)
		require.NoError(err)
		defer conn.Close()
		msgType, data, err := conn.ReadMessage()
		require.NoError(err)
		err = conn.WriteMessage(msgType, data)
		require.NoError(err)
	})
	targetService := httptest.NewServer(wsMux)
	s.T().Cleanup(targetService.Close)

	config := s.remoteConfig(nil, conf.WebsocketGroup)
	srv := s.startGate(test, config, []conf.Location{{
		PathPrefix:    "/ws",
		Protocol:      conf.WsProtocol,
		UpstreamHosts: []string{hostOf(test, targetService.URL)},
	}}, nil)

	wsUrl := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	require.NoError(err)
	defer conn.Close()

	err = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
	require.NoError(err)
	_, data, err := conn.ReadMessage()
	require.NoError(err)
	require.EqualValues("ping", string(data))
}

func (s *GateTestSuite) TestClassificationIsVisibleInStatus() {
	test, require := test.New(s.T())

	targetService := httpt.NewMock(test)
	targetService.POST("/orders", func(ctx context.Context, httpReq *http.Request, req request) response {
		return response{Id: req.Id} //nolint:gosimple
	})
	targetService.POST("/depth", func(ctx context.Context, httpReq *http.Request, req request) response {
		return response{Id: req.Id} //nolint:gosimple
	})

	config := s.remoteConfig(nil, conf.PublicReadGroup)
	config.Classification.Overrides = []conf.ClassifyOverride{{
		HttpMethod: http.MethodPost,
		Path:       "/orders",
		Group:      conf.PrivateOrderGroup,
	}}
	srv := s.startGate(test, config, []conf.Location{{
		PathPrefix:    "/api",
		Protocol:      conf.HttpProtocol,
		UpstreamHosts: []string{hostOf(test, targetService.BaseURL())},
	}}, nil)

	cli := httpcli.New()
	for _, endpoint := range []string{"/api/orders", "/api/depth", "/api/depth"} {
		_, err := cli.Post(srv.URL+endpoint).
			JsonRequestBody(request{Id: uuid.New().String()}).
			StatusCodeToError().
			Do(context.Background())
		require.NoError(err)
	}

	status := s.engineStatus(require, srv)
	require.EqualValues(1, s.groupStatus(require, status, conf.PrivateOrderGroup).TotalGranted)
	require.EqualValues(2, s.groupStatus(require, status, conf.PublicReadGroup).TotalGranted)
}

func (s *GateTestSuite) TestAdmissionPacesBeyondBurst() {
	test, require := test.New(s.T())

	targetService := httpt.NewMock(test)
	targetService.POST("/endpoint", func(ctx context.Context, httpReq *http.Request, req request) response {
		return response{Id: req.Id} //nolint:gosimple
	})

	groups := []conf.RateLimitGroup{{
		Name:          "paced",
		RatePerSecond: 20,
		Burst:         1,
	}}
	config := s.remoteConfig(groups, "paced")
	srv := s.startGate(test, config, []conf.Location{{
		PathPrefix:    "/api",
		Protocol:      conf.HttpProtocol,
		UpstreamHosts: []string{hostOf(test, targetService.BaseURL())},
	}}, nil)

	cli := httpcli.New()
	started := time.Now()
	for i := 0; i < 4; i++ {
		_, err := cli.Post(srv.URL+"/api/endpoint").
			JsonRequestBody(request{Id: uuid.New().String()}).
			StatusCodeToError().
			Do(context.Background())
		require.NoError(err)
	}
	elapsed := time.Since(started)

	// burst of 1 at 20 rps leaves three requests paced at 50ms each
	require.GreaterOrEqual(elapsed, 100*time.Millisecond)

	status := s.engineStatus(require, srv)
	require.EqualValues(4, s.groupStatus(require, status, "paced").TotalGranted)
}

func (s *GateTestSuite) TestUpstreamTooManyRequestsShrinksRatio() {
	test, require := test.New(s.T())

	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, r *http.Request) {
		writer.WriteHeader(http.StatusTooManyRequests)
	}))
	s.T().Cleanup(upstream.Close)

	groups := []conf.RateLimitGroup{{
		Name:              "feedback",
		RatePerSecond:     100,
		Burst:             100,
		DynamicAdjustment:  true,
		ErrorThreshold:     2,
		ErrorWindowInSec:   60,
		ReductionRatio:     0.5,
		MinRatio:           0.1,
		RecoveryDelayInSec: 120,
		RecoveryStep:       0.1,
	}}
	config := s.remoteConfig(groups, "feedback")
	srv := s.startGate(test, config, []conf.Location{{
		PathPrefix:    "/api",
		Protocol:      conf.HttpProtocol,
		UpstreamHosts: []string{hostOf(test, upstream.URL)},
	}}, nil)

	cli := httpcli.New()
	for i := 0; i < 2; i++ {
		_, err := cli.Post(srv.URL + "/api/endpoint").Do(context.Background())
		require.NoError(err)
	}

	status := s.engineStatus(require, srv)
	feedback := s.groupStatus(require, status, "feedback")
	require.EqualValues(2, feedback.TotalViolations)
	require.EqualValues(0.5, feedback.Ratio)
	require.EqualValues(50, feedback.EffectiveRate)
}

func (s *GateTestSuite) TestDailyLimit() {
	test, require := test.New(s.T())
	redisCli := NewRedis(test)
	s.T().Cleanup(func() {
		err := redisCli.FlushDB(context.Background()).Err()
		require.NoError(err)
	})

	targetService := httpt.NewMock(test)
	targetService.POST("/endpoint", func(ctx context.Context, httpReq *http.Request, req request) response {
		return response{Id: req.Id} //nolint:gosimple
	})

	config := s.remoteConfig(nil, conf.PublicReadGroup)
	config.Redis = &conf.Redis{Address: redisCli.Address()}
	config.DailyLimits = []conf.DailyLimit{{
		Group:          conf.PublicReadGroup,
		RequestsPerDay: 2,
	}}
	srv := s.startGate(test, config, []conf.Location{{
		PathPrefix:    "/api",
		Protocol:      conf.HttpProtocol,
		UpstreamHosts: []string{hostOf(test, targetService.BaseURL())},
	}}, redisCli)

	cli := httpcli.New()
	for i := 0; i < 2; i++ {
		_, err := cli.Post(srv.URL+"/api/endpoint").
			JsonRequestBody(request{Id: uuid.New().String()}).
			StatusCodeToError().
			Do(context.Background())
		require.NoError(err)
	}

	_, err := cli.Post(srv.URL+"/api/endpoint").
		JsonRequestBody(request{Id: uuid.New().String()}).
		StatusCodeToError().
		Do(context.Background())
	errResp := httpcli.ErrorResponse{}
	require.ErrorAs(err, &errResp)
	require.EqualValues(http.StatusTooManyRequests, errResp.StatusCode)
}

func (s *GateTestSuite) remoteConfig(groups []conf.RateLimitGroup, defaultGroup string) conf.Remote {
	return conf.Remote{
		Http: conf.Http{MaxRequestBodySizeInMb: 1, ProxyTimeoutInSec: 15},
		Logging: conf.Logging{
			LogLevel:         log.DebugLevel,
			RequestLogEnable: true,
		},
		Groups: groups,
		Classification: conf.Classification{
			DefaultGroup: defaultGroup,
		},
		Watchdog: conf.Watchdog{
			MaxAwaitTimeInSec:     60,
			ScanIntervalInSec:     1,
			StallAfterInSec:       30,
			RecoveryIntervalInSec: 1,
		},
	}
}

func (s *GateTestSuite) startGate(
	test *test.Test,
	config conf.Remote,
	locations []conf.Location,
	redisCli redis.UniversalClient,
) *httptest.Server {
	require := test.Assert()
	err := config.Validate()
	require.NoError(err)

	locator := assembly.NewLocator(test.Logger())
	handler, engine, err := locator.Handler(config, locations, redisCli)
	require.NoError(err)
	engine.Start()

	srv := httptest.NewServer(handler)
	s.T().Cleanup(func() {
		srv.Close()
		err := engine.Close()
		require.NoError(err)
	})
	return srv
}

func (s *GateTestSuite) engineStatus(require *require.Assertions, srv *httptest.Server) domain.EngineStatus {
	status := domain.EngineStatus{}
	_, err := httpcli.New().Get(srv.URL + "/internal/status").
		JsonResponseBody(&status).
		StatusCodeToError().
		Do(context.Background())
	require.NoError(err)
	return status
}

func (s *GateTestSuite) groupStatus(
	require *require.Assertions,
	status domain.EngineStatus,
	group string,
) domain.GroupStatus {
	for _, groupStatus := range status.Groups {
		if groupStatus.Group == group {
			return groupStatus
		}
	}
	require.Failf("group not found", "no status for group '%s'", group)
	return domain.GroupStatus{}
}

func hostOf(test *test.Test, rawUrl string) string {
	parsed, err := url.Parse(rawUrl)
	test.Assert().NoError(err)
	return parsed.Host
}

func TestGateTestSuite(t *testing.T) {
	t.Parallel()
	suite.Run(t, &GateTestSuite{})
}
