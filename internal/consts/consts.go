// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package consts holds the configuration key names.
package consts

const (
	// Logging settings
	LoggingFormat = "logging.format"
	LoggingLevel  = "logging.level"
	LoggingSource = "logging.source"
	LoggingRPC    = "logging.rpc"

	// Backoff settings
	BackoffInitInterval   = "backoff.initialInterval"
	BackoffMaxInterval    = "backoff.maxInterval"
	BackoffMultiplier     = "backoff.multiplier"
	BackoffRandFactor     = "backoff.randFactor"
	BackoffMaxElapsedTime = "backoff.maxElapsedTime"

	// Storage settings
	StorageType       = "storage.type"
	StorageSQLitePath = "storage.sqlite.path"
	StorageRetry      = "storage.retry"
	StorageLockExpiry = "storage.lock.expiry"
	StorageLockTries  = "storage.lock.tries"

	// Redis settings
	RedisConnMaxIdle            = "redis.pool.maxIdle"
	RedisConnMaxActive          = "redis.pool.maxActive"
	RedisConnIdleTimeout        = "redis.pool.idleTimeout"
	RedisConnHealthCheckTimeout = "redis.pool.healthCheckTimeout"
	RedisUser                   = "redis.user"
	RedisPassword               = "redis.password"
	RedisHostname               = "redis.hostname"
	RedisPort                   = "redis.port"
	RedisSentinelEnabled        = "redis.sentinelEnabled"
	RedisSentinelHostname       = "redis.sentinelHostname"
	RedisSentinelPort           = "redis.sentinelPort"
	RedisSentinelMaster         = "redis.sentinelMaster"

	// Experiment settings
	ExperimentID          = "experiment.id"
	ExperimentDescription = "experiment.description"
	ExperimentEnvironment = "experiment.environment"
	ExperimentGitRepo     = "experiment.gitRepo"
	ExperimentGitCommit   = "experiment.gitCommit"
	ExperimentObjectives  = "experiment.objectives"

	// Tunable space
	Tunables = "tunables"

	// Optimizer settings
	OptimizerType              = "optimizer.type"
	OptimizerSeed              = "optimizer.seed"
	OptimizerMaxSuggestions    = "optimizer.maxSuggestions"
	OptimizerStartWithDefaults = "optimizer.startWithDefaults"

	// Environment settings
	Environment = "environment"

	// Scheduler settings
	SchedulerType                          = "scheduler.type"
	SchedulerMaxTrials                     = "scheduler.maxTrials"
	SchedulerTrialConfigRepeatCount        = "scheduler.trialConfigRepeatCount"
	SchedulerConfigID                      = "scheduler.configId"
	SchedulerTeardown                      = "scheduler.teardown"
	SchedulerRunners                       = "scheduler.runners"
	SchedulerPollingInterval               = "scheduler.pollingInterval"
	SchedulerSchedulingTimeout             = "scheduler.schedulingTimeout"
	SchedulerIdleWorkerSchedulingBatchSize = "scheduler.idleWorkerSchedulingBatchSize"
	SchedulerCycleConfigIDs                = "scheduler.cycleConfigIds"

	// Launcher settings
	LauncherExpectedTrials = "launcher.expectedTrials"
	GlobalConfig           = "globals"

	// Daemon settings
	DaemonPollInterval = "daemon.pollInterval"
	DaemonRunCommand   = "daemon.runCommand"

	// Service settings
	ServicesLocalTempDir      = "services.local.tempDir"
	ServicesLocalAbortOnError = "services.local.abortOnError"
	ServicesSSHHost           = "services.ssh.host"
	ServicesSSHUser           = "services.ssh.user"
	ServicesSSHPort           = "services.ssh.port"
	ServicesSSHIdentityFile   = "services.ssh.identityFile"
	ServicesSSHKnownHostsFile = "services.ssh.knownHostsFile"
	ServicesSSHOptions        = "services.ssh.options"
	ServicesSSHBinary         = "services.ssh.binary"
	ServicesSSHWorkDir        = "services.ssh.workDir"

	// Event loop settings
	EventLoopJoinTimeout = "eventloop.joinTimeout"

	// Admin server settings
	AdminGRPCPort = "admin.grpcport"
	AdminHTTPPort = "admin.httpport"

	// Telemetry settings
	TelemetryPrometheusEnable        = "telemetry.prometheus.enable"
	TelemetryPrometheusEndpoint      = "telemetry.prometheus.endpoint"
	TelemetryZpagesEnable            = "telemetry.zpages.enable"
	TelemetryJaegerEnable            = "telemetry.jaeger.enable"
	TelemetryJaegerAgentEndpoint     = "telemetry.jaeger.agentEndpoint"
	TelemetryJaegerCollectorEndpoint = "telemetry.jaeger.collectorEndpoint"
	TelemetryReportingPeriod         = "telemetry.reportingPeriod"
	TelemetryReadinessTimeout        = "telemetry.readinessTimeout"
	TelemetryTraceSamplingFraction   = "telemetry.traceSamplingFraction"
)
