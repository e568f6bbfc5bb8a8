package model

const (
	AppName = "pillmate"
)

type Args struct {
	LogLevel   string
	ConfigFile string
}
