// Package config provides configuration loading for Tuya Bridge Core.
//
// Configuration is loaded from a YAML file with environment variable
// overrides (TUYABRIDGE_* prefix) and validated before use. Connector
// entries are file-only; everything else can be overridden per deployment.
package config
