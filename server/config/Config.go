package config

import "time"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	HttpPort             int
	StorageType          StorageType
	RedisConfig          RedisStorageConfig
	RpcTimeout           time.Duration
	RegistryDeadTimeout  time.Duration
	SchedulePollInterval time.Duration
	DispatchCapacity     int
	DispatchWorkers      int
	MaxTimerDelaySeconds int64
	AuditLogFile         string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}
