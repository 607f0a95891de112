package params

import "time"

const (
	ServerBodyLimit    = 4194304 // 4 MiB, group membership payloads can be large
	ServerIdleTimeout  = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second

	CredentialKeyPrefix = "cred:"
	PollLockKeyPrefix   = "lock:poll:"

	CredentialCacheTTL = 1 * time.Minute  // decrypted credential cache; invalidated synchronously on rotation
	PollLockTTL        = 30 * time.Minute // advisory lock covers a full listing + reconciliation pass

	ProxyMaxAttempts    = 5                      // total upstream attempts for a retryable status
	ProxyBackoffBase    = 500 * time.Millisecond // doubled per attempt, plus jitter
	ProxyBackoffMax     = 15 * time.Second
	ProxyRequestTimeout = 60 * time.Second
	ProxyRatePerSecond  = 10 // outbound IdP calls per organization
	ProxyRateBurst      = 20
	ProxyApplyLockTTL   = 30 * time.Second // pair lock held while a classified write lands in the mirror
	ProxyApplyLockRetry = 100 * time.Millisecond

	DefaultPollInterval = 15 * time.Minute
	MinPollInterval     = 1 * time.Minute // floor regardless of configuration, avoids self-inflicted rate limiting
	PollPageSize        = 200

	DefaultGracePeriodDays = 7

	AuditQueryMaxLimit     = 500
	AuditQueryDefaultLimit = 100

	ActorTokenExpiration  = 1 * time.Hour
	HealthCheckServerAddr = ":3001" // health check and metrics server address
)
