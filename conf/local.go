package conf

const (
	HttpProtocol = "http"
	WsProtocol   = "ws"
)

type Local struct {
	Locations []Location
}

type Location struct {
	PathPrefix     string   `valid:"required"`
	Protocol       string   `valid:"required,in(http|ws)"`
	UpstreamHosts  []string `valid:"required"`
	UpstreamScheme string
}
