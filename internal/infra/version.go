package infra

// Version はビルド時に -ldflags "-X age-stats-service/internal/infra.Version=..." で上書きされる。
var Version = "dev"
