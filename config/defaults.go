package config

func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		DataDirectory: "~/.local/share/bookchat",
	}
}

func DefaultUserConfig() *UserConfig {
	return &UserConfig{
		Agent: AgentConfig{
			BaseURL:               DefaultBaseURL,
			AppName:               DefaultAppName,
			Streaming:             true,
			RequestTimeoutSeconds: int(DefaultRequestTimeout.Seconds()),
		},
	}
}

func GenerateSystemConfigTemplate() string {
	return `# bookchat System Configuration
# Location: ~/.config/bookchat/settings.toml
# This file uses TOML format: https://toml.io

# Directory where the local identifiers and user config are stored
data_directory = "~/.local/share/bookchat"
`
}

func GenerateUserConfigTemplate() string {
	return `# bookchat User Configuration
# Location: <data_directory>/config.toml
# This file uses TOML format: https://toml.io

# Name used in the greeting ("Welcome! Start chatting with <name>.")
display_name = ""

[agent]
# Agent server URL
base_url = "http://localhost:8000"

# Agent application name registered on the server
app_name = "bookings_agent"

# Stream replies token by token (false waits for the whole reply)
streaming = true

# Seconds to wait for the server to start answering
request_timeout_seconds = 60
`
}
