package conf

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/txix-open/isp-kit/log"
	"github.com/txix-open/isp-kit/rc/schema"
	"github.com/txix-open/jsonschema"
)

func init() {
	schema.CustomGenerators.Register("logLevel", func(field reflect.StructField, t *jsonschema.Schema) {
		t.Type = "string"
		t.Enum = []interface{}{"debug", "info", "error", "fatal"}
	})
}

type Remote struct {
	Http           Http             `schema:"HTTP settings"`
	Logging        Logging          `schema:"Logging settings"`
	Redis          *Redis           `schema:"Redis settings,required if daily limits are configured"`
	Groups         []RateLimitGroup `schema:"Rate limit groups,defaults are used when empty"`
	Classification Classification   `schema:"Endpoint to group classification rules"`
	DailyLimits    []DailyLimit     `schema:"Daily request budgets per group,reset once a day at 00:00"`
	Watchdog       Watchdog         `schema:"Background task health settings"`
}

type Http struct {
	MaxRequestBodySizeInMb int64 `valid:"required" schema:"Maximum request body size,in megabytes"`
	ProxyTimeoutInSec      int   `valid:"required" schema:"Proxying timeout,in seconds"`
}

type Logging struct {
	LogLevel         log.Level `schemaGen:"logLevel" schema:"Log level,request logging works on debug level"`
	RequestLogEnable bool      `schema:"Enable request logging"`
}

type RateLimitGroup struct {
	Name          string  `valid:"required" schema:"Group name"`
	RatePerSecond float64 `valid:"required" schema:"Granted rate,requests per second at full ratio"`
	Burst         float64 `valid:"required" schema:"Burst capacity,values below 1 force strict pacing"`
	RatePerMinute float64 `schema:"Additional minute-scale rate,requests per minute, 0 disables the second scale"`
	MinuteBurst   float64 `schema:"Minute-scale burst capacity"`

	DynamicAdjustment  bool    `schema:"Shrink the granted rate after observed violations"`
	ErrorThreshold     int     `schema:"Violations inside the error window that trigger a reduction"`
	ErrorWindowInSec   int     `schema:"Error window,in seconds"`
	ReductionRatio     float64 `schema:"Multiplier applied to the ratio on reduction,must be in (0 and 1)"`
	MinRatio           float64 `schema:"Lower bound of the granted ratio"`
	RecoveryDelayInSec int     `schema:"Quiet time after a reduction before recovery starts,in seconds"`
	RecoveryStep       float64 `schema:"Additive ratio step per recovery tick"`

	PreventiveWindowInSec   int `schema:"Window after a violation with proactive extra delay,in seconds"`
	PreventiveUnitDelayInMs int `schema:"Extra delay per recent violation,in milliseconds"`
	MaxPreventiveDelayInMs  int `schema:"Upper bound of the proactive delay,in milliseconds"`
}

type Classification struct {
	DefaultGroup string             `valid:"required" schema:"Group for endpoints matching no rule"`
	Overrides    []ClassifyOverride `schema:"Method and path specific rules,checked first"`
	Prefixes     []ClassifyPrefix   `schema:"Path prefix rules,longest prefix wins"`
}

type ClassifyOverride struct {
	HttpMethod string `valid:"required" schema:"HTTP method"`
	Path       string `valid:"required" schema:"Endpoint path"`
	Group      string `valid:"required" schema:"Target group"`
}

type ClassifyPrefix struct {
	PathPrefix string `valid:"required" schema:"Endpoint path prefix"`
	Group      string `valid:"required" schema:"Target group"`
}

type DailyLimit struct {
	Group          string `valid:"required" schema:"Group name"`
	RequestsPerDay int64  `valid:"required" schema:"Requests per day"`
}

type Watchdog struct {
	MaxAwaitTimeInSec     int `schema:"Hard upper bound on any admission wait,in seconds, default 60"`
	ScanIntervalInSec     int `schema:"Watchdog scan interval,in seconds, default 5"`
	StallAfterInSec       int `schema:"Heartbeat age treated as a stall,in seconds, default 30"`
	RecoveryIntervalInSec int `schema:"Shared recovery tick,in seconds, default 30"`
}

func (r Remote) Validate() error {
	if len(r.DailyLimits) > 0 && r.Redis == nil {
		return errors.New("redis is required if dailyLimits were specified")
	}
	if r.Redis != nil && r.Redis.Sentinel == nil && r.Redis.Address == "" {
		return errors.New("invalid redis config. sentinel or address are required")
	}

	groups := make(map[string]bool)
	for _, group := range r.GroupsOrDefault() {
		groups[group.Name] = true
	}
	if !groups[r.Classification.DefaultGroup] {
		return errors.Errorf("classification: unknown default group '%s'", r.Classification.DefaultGroup)
	}
	for _, override := range r.Classification.Overrides {
		if !groups[override.Group] {
			return errors.Errorf("classification: unknown group '%s' for '%s %s'", override.Group, override.HttpMethod, override.Path)
		}
	}
	for _, prefix := range r.Classification.Prefixes {
		if !groups[prefix.Group] {
			return errors.Errorf("classification: unknown group '%s' for prefix '%s'", prefix.Group, prefix.PathPrefix)
		}
	}
	for _, limit := range r.DailyLimits {
		if !groups[limit.Group] {
			return errors.Errorf("daily limits: unknown group '%s'", limit.Group)
		}
	}
	return nil
}

func (r Remote) GroupsOrDefault() []RateLimitGroup {
	if len(r.Groups) > 0 {
		return r.Groups
	}
	return DefaultGroups()
}

type Redis struct {
	Address  string         `schema:"Address,required unless sentinel is set"`
	Username string         `schema:"Username"`
	Password string         `schema:"Password"`
	Sentinel *RedisSentinel `schema:"Sentinel settings,required unless address is set"`
}

type RedisSentinel struct {
	Addresses  []string `valid:"required" schema:"Cluster node addresses"`
	MasterName string   `valid:"required" schema:"Master name"`
	Username   string   `schema:"Sentinel username"`
	Password   string   `schema:"Sentinel password"`
}
