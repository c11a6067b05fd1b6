package main

import (
	"context"
	"flag"
	"os"

	"github.com/diwise/context-graph/internal/pkg/application/contextgraph"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	listenAddress FlagType = iota
	servicePort
	controlPort

	configPath
	opaPath

	logFormat
)

func DefaultFlags() FlagMap {
	return FlagMap{
		listenAddress: "",
		servicePort:   "8080",
		controlPort:   "8000",

		configPath: "",
		opaPath:    "",

		logFormat: "json",
	}
}

// parseExternalConfig overrides the default flags with values from the environment
// and then from the command line
func parseExternalConfig(ctx context.Context, flags FlagMap) FlagMap {
	flags[listenAddress] = env.GetVariableOrDefault(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = env.GetVariableOrDefault(ctx, "SERVICE_PORT", flags[servicePort])
	flags[controlPort] = env.GetVariableOrDefault(ctx, "CONTROL_PORT", flags[controlPort])
	flags[configPath] = env.GetVariableOrDefault(ctx, "CONTEXT_GRAPH_CONFIG", flags[configPath])
	flags[opaPath] = env.GetVariableOrDefault(ctx, "CONTEXT_GRAPH_POLICIES", flags[opaPath])
	flags[logFormat] = env.GetVariableOrDefault(ctx, "LOG_FORMAT", flags[logFormat])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	fs := flag.NewFlagSet("context-graph", flag.ExitOnError)
	fs.Func("config", "path to the configuration file", apply(configPath))
	fs.Func("policies", "path to the authorization policies", apply(opaPath))
	fs.Parse(os.Args[1:])

	return flags
}

// loadConfiguration reads the configuration file named by the flags, or returns
// the default configuration if there is none
func loadConfiguration(flags FlagMap) (*contextgraph.Config, error) {
	if flags[configPath] == "" {
		return contextgraph.DefaultConfiguration(), nil
	}

	f, err := os.Open(flags[configPath])
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return contextgraph.LoadConfiguration(f)
}
