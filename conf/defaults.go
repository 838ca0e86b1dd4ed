package conf

const (
	PublicReadGroup       = "public-read"
	PrivateDefaultGroup   = "private-default"
	PrivateOrderGroup     = "private-order"
	PrivateCancelAllGroup = "private-cancel-all"
	WebsocketGroup        = "websocket"
)

// DefaultGroups is the group table applied when the remote config
// carries no explicit one. Rates follow the upstream API's published
// quotas, adjustment settings are deliberately conservative.
func DefaultGroups() []RateLimitGroup {
	adjustment := RateLimitGroup{
		DynamicAdjustment:       true,
		ErrorThreshold:          5,
		ErrorWindowInSec:        60,
		ReductionRatio:          0.5,
		MinRatio:                0.1,
		RecoveryDelayInSec:      120,
		RecoveryStep:            0.1,
		PreventiveWindowInSec:   30,
		PreventiveUnitDelayInMs: 200,
		MaxPreventiveDelayInMs:  2000,
	}

	groups := []RateLimitGroup{{
		Name:          PublicReadGroup,
		RatePerSecond: 10,
		Burst:         10,
	}, {
		Name:          PrivateDefaultGroup,
		RatePerSecond: 6,
		Burst:         6,
	}, {
		Name:          PrivateOrderGroup,
		RatePerSecond: 4,
		Burst:         4,
	}, {
		Name:          PrivateCancelAllGroup,
		RatePerSecond: 0.5,
		Burst:         1,
	}, {
		Name:          WebsocketGroup,
		RatePerSecond: 5,
		Burst:         5,
		RatePerMinute: 100,
		MinuteBurst:   100,
	}}

	for i := range groups {
		group := adjustment
		group.Name = groups[i].Name
		group.RatePerSecond = groups[i].RatePerSecond
		group.Burst = groups[i].Burst
		group.RatePerMinute = groups[i].RatePerMinute
		group.MinuteBurst = groups[i].MinuteBurst
		groups[i] = group
	}
	return groups
}
