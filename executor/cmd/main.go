package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohitkumar/dagjob/executor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	cfg executor.Config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("admin-addr", "localhost:8080", "comma separated list of admin host:port")
	cmd.Flags().Int64("group-id", 1, "executor group id")
	cmd.Flags().String("address", "", "address registered with the admin, host:port reachable from it")
	cmd.Flags().Int("http-port", 9999, "http port for executor endpoints")
	cmd.Flags().Duration("beat-interval", 30*time.Second, "registry heartbeat interval")
	cmd.Flags().Uint64("callback-retry-max", 10, "max retries pushing one callback")
	cmd.Flags().Duration("callback-retry-interval", 5*time.Second, "interval between callback retries")
	cmd.Flags().Int("queue-capacity", 64, "per-job trigger queue capacity")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)
	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	c.cfg.AdminAddresses = strings.Split(viper.GetString("admin-addr"), ",")
	c.cfg.GroupId = viper.GetInt64("group-id")
	c.cfg.Address = viper.GetString("address")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.BeatInterval = viper.GetDuration("beat-interval")
	c.cfg.CallbackRetryMax = viper.GetUint64("callback-retry-max")
	c.cfg.CallbackRetryInterval = viper.GetDuration("callback-retry-interval")
	c.cfg.QueueCapacity = viper.GetInt("queue-capacity")
	if c.cfg.Address == "" {
		c.cfg.Address = fmt.Sprintf("localhost:%d", c.cfg.HttpPort)
	}
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	runtime, err := executor.NewRuntime(c.cfg)
	if err != nil {
		return err
	}
	registerHandlers(runtime.Executor())
	if err := runtime.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return runtime.Shutdown()
}

func registerHandlers(exec *executor.Executor) {
	exec.RegisterHandler("echo", func(ctx context.Context, jc *executor.JobContext) (map[string]any, error) {
		jc.Log("echo params: %s", jc.Params)
		var params map[string]any
		if jc.Params != "" {
			if err := json.Unmarshal([]byte(jc.Params), &params); err != nil {
				return nil, err
			}
		}
		return params, nil
	})
	exec.RegisterHandler("sleep", func(ctx context.Context, jc *executor.JobContext) (map[string]any, error) {
		var params struct {
			Seconds int `json:"seconds"`
		}
		if jc.Params != "" {
			if err := json.Unmarshal([]byte(jc.Params), &params); err != nil {
				return nil, err
			}
		}
		jc.Log("sleeping %d seconds", params.Seconds)
		select {
		case <-time.After(time.Duration(params.Seconds) * time.Second):
			return map[string]any{"slept": params.Seconds}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "dagjob-executor",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
