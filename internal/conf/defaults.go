package conf

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultBucketSize groups frame numbers into notification buckets.
const DefaultBucketSize = 100

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.timezone", "Local")
	v.SetDefault("log.file", "")

	v.SetDefault("server.listen", ":8000")
	v.SetDefault("server.publicurl", "http://localhost:8000")
	v.SetDefault("server.bodylimit", "20M")
	v.SetDefault("server.corsorigins", []string{"*"})
	v.SetDefault("server.readtimeout", 30*time.Second)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "fireimages")
	v.SetDefault("storage.local.path", "data/images")
	v.SetDefault("storage.sftp.port", 22)
	v.SetDefault("storage.sftp.timeout", 30*time.Second)
	v.SetDefault("storage.ftp.port", 21)
	v.SetDefault("storage.ftp.timeout", 30*time.Second)

	v.SetDefault("email.provider", "none")
	v.SetDefault("email.fromname", "Fire Detection System")
	v.SetDefault("email.mailjet.baseurl", "https://api.mailjet.com")
	v.SetDefault("email.imap.enabled", false)
	v.SetDefault("email.imap.host", "imap.gmail.com")
	v.SetDefault("email.imap.port", 993)
	v.SetDefault("email.imap.mailbox", "INBOX")
	v.SetDefault("email.imap.pollinterval", 2*time.Second)

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.maxtokens", 1024)

	v.SetDefault("voice.enabled", false)
	v.SetDefault("voice.validatesignature", true)

	v.SetDefault("classifier.mode", "stub")
	v.SetDefault("classifier.threshold", 0.5)
	v.SetDefault("classifier.stubrate", 0.5)

	v.SetDefault("escalation.bucketsize", DefaultBucketSize)
	v.SetDefault("escalation.maxinflight", 16)
	v.SetDefault("escalation.callratelimit", 6)
	v.SetDefault("escalation.timeouts.classify", 10*time.Second)
	v.SetDefault("escalation.timeouts.storage", 15*time.Second)
	v.SetDefault("escalation.timeouts.email", 10*time.Second)
	v.SetDefault("escalation.timeouts.analysis", 30*time.Second)
	v.SetDefault("escalation.timeouts.call", 15*time.Second)
	v.SetDefault("escalation.timeouts.chat", 20*time.Second)
	v.SetDefault("escalation.breaker.maxfailures", 5)
	v.SetDefault("escalation.breaker.cooldown", time.Minute)
	v.SetDefault("escalation.eventqueue.size", 256)
	v.SetDefault("escalation.eventqueue.workers", 2)

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.retention", 24*time.Hour)
	v.SetDefault("ledger.contactretention", 7*24*time.Hour)
	v.SetDefault("ledger.purgeschedule", "@every 1h")

	v.SetDefault("conversation.inactivitytimeout", 10*time.Minute)
	v.SetDefault("conversation.maxhistory", 40)

	v.SetDefault("publish.mqtt.enabled", false)
	v.SetDefault("publish.mqtt.topic", "emberwatch/alerts")
	v.SetDefault("publish.mqtt.clientid", "emberwatch")
	v.SetDefault("publish.nats.enabled", false)
	v.SetDefault("publish.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("publish.nats.subject", "emberwatch.alerts")

	v.SetDefault("sentry.environment", "production")
}
