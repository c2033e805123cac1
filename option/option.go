package option

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yaotthaha/nlset/lib/tools"

	"gopkg.in/yaml.v3"
)

type Option struct {
	LogOptions      LogOptions      `config:"log"`
	NetlinkOptions  NetlinkOptions  `config:"netlink"`
	IPSetOptions    IPSetOptions    `config:"ipset"`
	NFTablesOptions NFTablesOptions `config:"nftables"`
	APIOptions      APIOptions      `config:"api"`
}

type configType string

const (
	JSON configType = "json"
	YAML configType = "yaml"
)

func ReadFile(file string) (*Option, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(file) {
	case ".json", ".jsonc":
		return ReadContent(content, JSON)
	default:
		return ReadContent(content, YAML)
	}
}

// ReadFileOrDefault behaves like ReadFile but falls back to the defaults when
// the file does not exist.
func ReadFileOrDefault(file string) (*Option, error) {
	options, err := ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			options = &Option{}
			options.Default()
			return options, nil
		}
		return nil, err
	}
	return options, nil
}

func ReadContent(content []byte, configType configType) (*Option, error) {
	var optionMap map[string]any
	var err error
	switch configType {
	case JSON:
		err = json.Unmarshal(content, &optionMap)
	case YAML:
		err = yaml.Unmarshal(content, &optionMap)
	default:
		err = yaml.Unmarshal(content, &optionMap)
		if err != nil {
			err = json.Unmarshal(content, &optionMap)
			if err != nil {
				return nil, fmt.Errorf("config type %s not support", configType)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	var option Option
	err = tools.NewMapStructureDecoderWithResult(&option).Decode(optionMap)
	if err != nil {
		return nil, err
	}
	option.Default()
	return &option, nil
}

func (o *Option) Default() {
	o.NetlinkOptions.Default()
	o.IPSetOptions.Default()
	o.NFTablesOptions.Default()
}
