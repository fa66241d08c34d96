package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// State on disk
	viper.SetDefault("state_dir", "~/.wabridge")

	// Bridge loop
	viper.SetDefault("bridge.poll_interval", 5*time.Second)
	viper.SetDefault("bridge.bot_prefix", "Bot:")
	viper.SetDefault("bridge.admin_number", "")
	viper.SetDefault("bridge.require_registration", true)
	viper.SetDefault("bridge.unverified_fallback", false)
	viper.SetDefault("bridge.self_labels_file", "")

	// Governor
	viper.SetDefault("governor.chat_cooldown", 2*time.Second)
	viper.SetDefault("governor.global_cooldown", 0*time.Second)
	viper.SetDefault("governor.backoff_duration", 5*time.Minute)

	// Browser driver
	viper.SetDefault("browser.bin", "")
	viper.SetDefault("browser.headless", true)
	viper.SetDefault("browser.base_url", "https://web.whatsapp.com")
	viper.SetDefault("browser.nav_timeout", 30*time.Second)
	viper.SetDefault("browser.login_timeout", 3*time.Minute)

	// Reasoning worker
	viper.SetDefault("worker.command", "gemini")
	viper.SetDefault("worker.args", []string{})
	viper.SetDefault("worker.prompt_flag", "-p")
	viper.SetDefault("worker.timeout", 5*time.Minute)

	// Supervisor
	viper.SetDefault("supervisor.max_restarts", 5)
	viper.SetDefault("supervisor.window", 10*time.Minute)
	viper.SetDefault("supervisor.delay", 5*time.Second)

	// Admin server
	viper.SetDefault("admin.enabled", true)
	viper.SetDefault("admin.addr", "127.0.0.1:8089")
}
