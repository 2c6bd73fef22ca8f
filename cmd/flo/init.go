package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func initFlags(ko *koanf.Koanf) {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("config", nil, "path to one or more config files (will be merged in order)")
	f.String("port", "8080", "port to host the web server on")
	f.String("store", "memory", "checkpoint store backend: memory, badger or bolt")
	f.String("store-dir", "", "data directory for persistent checkpoint stores")
	f.String("checkpoint-interval", "10s", "interval between periodic checkpoints (0 disables)")
	f.String("checkpoint-timeout", "30s", "bounded wait before an epoch is aborted")
	f.String("window-size", "10s", "tumbling window size of the demo pipeline")
	f.String("sink", "log", "demo sink connector: log, file or memory")
	f.String("sink-path", "flo-out.jsonl", "output path for the file sink")
	f.Bool("dev", false, "pretty console logging")
	f.Bool("version", false, "show current version of the build")

	if err := f.Parse(os.Args[1:]); err != nil {
		log.Fatal().Msgf("error loading flags: %v", err)
	}

	for _, path := range mustStrings(f.GetStringSlice("config")) {
		parser, err := parserFor(path)
		if err != nil {
			log.Fatal().Msgf("error reading config %s: %v", path, err)
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			log.Fatal().Msgf("error reading config %s: %v", path, err)
		}
	}

	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		log.Fatal().Msgf("error reading flag config: %v", err)
	}
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := path[strings.LastIndex(path, ".")+1:]; ext {
	case "yaml", "yml":
		return yaml.Parser(), nil
	case "json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}
}

func mustStrings(v []string, err error) []string {
	if err != nil {
		log.Fatal().Msgf("error loading flags: %v", err)
	}
	return v
}
