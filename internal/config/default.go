package config

// DefaultConfigYAML is the default configuration template
const DefaultConfigYAML = `household: "my-household"

identity:
  user_id: "user-1"
  display_name: "User One"

redis:
  addr: "127.0.0.1:6379"
  # password: ""
  db: 0

ice:
  stun_urls:
    - "stun:stun.l.google.com:19302"
  turn:
    urls: []
    # Ephemeral coturn-compatible credentials:
    # secret: "change-this-secret"
    # ttl_seconds: 86400
    # Or a static pair:
    # username: "turnuser"
    # password: "turnpass"

room:
  max_participants: 6   # mesh cost grows quadratically; keep small
  leave_timeout: 3s
  presence_ttl: 45s

guard:
  min_interval: 2s
  max_attempts: 5

watchdog:
  timeout: 30s
  first_notice_at: 5s
  stall_notice_at: 15s

bridge:
  port: 7350
  bind: "127.0.0.1"
  cors_origins:
    - "http://localhost:3000"

history:
  path: "data/history.db"

logging:
  level: "info"
  format: "text"
`
