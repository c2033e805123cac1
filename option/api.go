package option

type APIOptions struct {
	Listen string `config:"listen"`
	Secret string `config:"secret"`
	Debug  bool   `config:"debug"`
	// MaxConns caps concurrent API connections, zero means no limit.
	MaxConns int `config:"max-conns"`
}
