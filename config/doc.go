// Package config handles application configuration loading and management.
//
// Configuration is stored in ~/.agentfactory/config.yaml and may be overridden
// by a .env file in the working directory and by AGENTFACTORY_* environment
// variables. The resulting Config is built once at startup and passed to every
// component.
package config
