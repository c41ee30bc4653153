package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohitkumar/dagjob/server/agent"
	"github.com/mohitkumar/dagjob/server/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "dagjob", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().Duration("rpc-timeout", 10*time.Second, "timeout for executor rpc calls")
	cmd.Flags().Duration("registry-dead-timeout", 90*time.Second, "evict executors silent for this long")
	cmd.Flags().Duration("poll-interval", time.Second, "due-job poll interval")
	cmd.Flags().Int("dispatch-capacity", 512, "dispatch queue capacity per worker")
	cmd.Flags().Int("dispatch-workers", 8, "number of dispatch workers")
	cmd.Flags().Int64("max-timer-delay", 24*3600, "max retry delay in seconds the timer wheel supports")
	cmd.Flags().String("audit-log-file", "", "file receiving one json line per completed run")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

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

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RpcTimeout = viper.GetDuration("rpc-timeout")
	c.cfg.RegistryDeadTimeout = viper.GetDuration("registry-dead-timeout")
	c.cfg.SchedulePollInterval = viper.GetDuration("poll-interval")
	c.cfg.DispatchCapacity = viper.GetInt("dispatch-capacity")
	c.cfg.DispatchWorkers = viper.GetInt("dispatch-workers")
	c.cfg.MaxTimerDelaySeconds = viper.GetInt64("max-timer-delay")
	c.cfg.AuditLogFile = viper.GetString("audit-log-file")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "dagjob-server",
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
