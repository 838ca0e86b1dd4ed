package assembly

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/txix-open/isp-kit/lb"
	"github.com/txix-open/isp-kit/log"
	"quota-gate-service/conf"
	"quota-gate-service/middleware"
	"quota-gate-service/proxy"
	"quota-gate-service/ratelimit"
	"quota-gate-service/repository"
	"quota-gate-service/routes"
	"quota-gate-service/service"
)

type Locator struct {
	logger log.Logger
}

func NewLocator(logger log.Logger) Locator {
	return Locator{
		logger: logger,
	}
}

// Handler assembles the gate for one config generation: the admission
// engine and one middleware chain per upstream location. The returned
// engine must be started by the caller and closed when the generation
// is replaced.
func (l Locator) Handler(config conf.Remote, locations []conf.Location, redisCli redis.UniversalClient) (http.Handler, *ratelimit.Limiter, error) {
	engine, err := ratelimit.New(l.logger, engineConfig(config.Watchdog), groupConfigs(config.GroupsOrDefault()))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "new rate limit engine")
	}

	classifier := service.NewClassifier(config.Classification)
	admission := service.NewAdmission(engine, classifier)

	middlewares := []middleware.Middleware{
		middleware.RequestId(),
		middleware.Logger(l.logger, config.Logging.RequestLogEnable),
		middleware.ErrorHandler(l.logger),
		middleware.Classify(classifier),
	}
	if len(config.DailyLimits) > 0 {
		dailyLimitRepo := repository.NewDailyLimit(redisCli)
		dailyLimitService := service.NewDailyLimit(dailyLimitRepo, config.DailyLimits)
		middlewares = append(middlewares, middleware.DailyLimit(dailyLimitService))
	}
	middlewares = append(middlewares, middleware.Admission(admission))

	mux := http.NewServeMux()
	for _, location := range locations {
		hostManager := lb.NewRoundRobin(location.UpstreamHosts)

		var proxyFunc middleware.Handler
		switch location.Protocol {
		case conf.HttpProtocol:
			scheme := location.UpstreamScheme
			if scheme == "" {
				scheme = "http"
			}
			proxyFunc = proxy.NewHttp(hostManager, scheme, time.Duration(config.Http.ProxyTimeoutInSec)*time.Second)
		case conf.WsProtocol:
			scheme := location.UpstreamScheme
			if scheme == "" {
				scheme = "ws"
			}
			proxyFunc = proxy.NewWs(hostManager, scheme)
		default:
			return nil, nil, errors.Errorf("not supported protocol %s", location.Protocol)
		}

		handler := middleware.Chain(proxyFunc, middlewares...)
		entrypoint := middleware.Entrypoint(
			config.Http.MaxRequestBodySizeInMb*1024*1024, //nolint:gomnd
			handler,
			location.PathPrefix,
			l.logger,
		)
		mux.Handle(fmt.Sprintf("%s/", location.PathPrefix), entrypoint)
	}
	mux.Handle("/internal/status", routes.Status(admission))

	return mux, engine, nil
}

func engineConfig(watchdog conf.Watchdog) ratelimit.EngineConfig {
	return ratelimit.EngineConfig{
		MaxAwaitTime:        time.Duration(watchdog.MaxAwaitTimeInSec) * time.Second,
		WatchdogInterval:    time.Duration(watchdog.ScanIntervalInSec) * time.Second,
		StallAfter:          time.Duration(watchdog.StallAfterInSec) * time.Second,
		RecoveryInterval:    time.Duration(watchdog.RecoveryIntervalInSec) * time.Second,
		HealthcheckInterval: 0, // engine default
	}
}

func groupConfigs(groups []conf.RateLimitGroup) []ratelimit.GroupConfig {
	configs := make([]ratelimit.GroupConfig, 0, len(groups))
	for _, group := range groups {
		configs = append(configs, ratelimit.GroupConfig{
			Name:                group.Name,
			Rate:                group.RatePerSecond,
			Burst:               group.Burst,
			MinuteRate:          group.RatePerMinute,
			MinuteBurst:         group.MinuteBurst,
			DynamicAdjustment:   group.DynamicAdjustment,
			ErrorThreshold:      group.ErrorThreshold,
			ErrorWindow:         time.Duration(group.ErrorWindowInSec) * time.Second,
			ReductionRatio:      group.ReductionRatio,
			MinRatio:            group.MinRatio,
			RecoveryDelay:       time.Duration(group.RecoveryDelayInSec) * time.Second,
			RecoveryStep:        group.RecoveryStep,
			PreventiveWindow:    time.Duration(group.PreventiveWindowInSec) * time.Second,
			PreventiveUnitDelay: time.Duration(group.PreventiveUnitDelayInMs) * time.Millisecond,
			MaxPreventiveDelay:  time.Duration(group.MaxPreventiveDelayInMs) * time.Millisecond,
		})
	}
	return configs
}
