package domain

type GroupStatus struct {
	Group                string
	Ratio                float64
	EffectiveRate        float64
	QueueDepth           int
	TotalGranted         int64
	TotalQueued          int64
	TotalViolations      int64
	TotalTimeouts        int64
	MaxConcurrentWaiters int64
}

type EngineStatus struct {
	Groups          []GroupStatus
	TaskRestarts    int64
	LastTaskFailure string `json:",omitempty"`
}
