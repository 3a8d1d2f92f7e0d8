package util

import (
	"encoding/base64"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/tidewater/lib/adapter"
	"github.com/ValentinKolb/tidewater/lib/engine"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tidewater")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// SetupEngineFlags adds the engine configuration flags shared by every
// subcommand that opens an engine root
func SetupEngineFlags(cmd *cobra.Command) {
	key := "path"
	cmd.PersistentFlags().String(key, "data", WrapString("Engine root directory"))

	key = "cache-size-mb"
	cmd.PersistentFlags().Int(key, 1024, WrapString("Engine cache size in megabytes"))

	key = "nojournal"
	cmd.PersistentFlags().Bool(key, false, WrapString("Disable the write-ahead journal"))

	key = "readonly"
	cmd.PersistentFlags().Bool(key, false, WrapString("Open the engine read-only"))

	key = "repair"
	cmd.PersistentFlags().Bool(key, false, WrapString("Enable salvage of corrupted metadata and data files"))

	key = "session-close-idle-secs"
	cmd.PersistentFlags().Int(key, 300, WrapString("wiredTigerSessionCloseIdleTimeSecs: close sessions idle for longer than this many seconds"))

	key = "write-tickets"
	cmd.PersistentFlags().Int(key, 128, WrapString("wiredTigerConcurrentWriteTransactions: concurrent write transaction tickets"))

	key = "read-tickets"
	cmd.PersistentFlags().Int(key, 128, WrapString("wiredTigerConcurrentReadTransactions: concurrent read transaction tickets"))

	key = "checkpoint-delay-secs"
	cmd.PersistentFlags().Int(key, 60, WrapString("checkpointDelaySecs: seconds between checkpoint ticks"))

	key = "journal-commit-interval-ms"
	cmd.PersistentFlags().Int(key, 0, WrapString("journalCommitIntervalMs: journal flusher interval (0 = 100ms default)"))

	key = "majority-read-concern"
	cmd.PersistentFlags().Bool(key, true, WrapString("enableMajorityReadConcern: enable stable checkpointing and snapshot history retention"))

	key = "directoryperdb"
	cmd.PersistentFlags().Bool(key, false, WrapString("Each database keeps its files in its own subdirectory"))

	key = "encryption"
	cmd.PersistentFlags().Bool(key, false, WrapString("Enable data-at-rest encryption (requires a key store)"))

	key = "cipher-mode"
	cmd.PersistentFlags().String(key, "AES256-CBC", WrapString("encryption.cipherMode: AES256-CBC or AES256-GCM"))

	key = "vault-rotate-master-key"
	cmd.PersistentFlags().Bool(key, false, WrapString("encryption.vaultRotateMasterKey: rotate the master key and exit"))

	key = "master-key-file"
	cmd.PersistentFlags().String(key, "", WrapString("File holding the base64-encoded 256 bit master key"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("Log level (debug, info, warn, error)"))
}

// GetEngineConfig reads the engine configuration from viper
func GetEngineConfig() adapter.Config {
	conf := adapter.DefaultConfig(viper.GetString("path"))
	conf.EngineName = engine.ImplGrove
	conf.CacheSizeMB = viper.GetInt("cache-size-mb")
	conf.Durable = !viper.GetBool("nojournal")
	conf.ReadOnly = viper.GetBool("readonly")
	conf.Repair = viper.GetBool("repair")
	conf.SessionCloseIdleTimeSecs = viper.GetInt("session-close-idle-secs")
	conf.ConcurrentWriteTransactions = viper.GetInt("write-tickets")
	conf.ConcurrentReadTransactions = viper.GetInt("read-tickets")
	conf.CheckpointDelaySecs = viper.GetInt("checkpoint-delay-secs")
	conf.JournalCommitIntervalMs = viper.GetInt("journal-commit-interval-ms")
	conf.EnableMajorityReadConcern = viper.GetBool("majority-read-concern")
	conf.DirectoryPerDB = viper.GetBool("directoryperdb")
	conf.Encryption.Enable = viper.GetBool("encryption")
	conf.Encryption.CipherMode = adapter.CipherMode(viper.GetString("cipher-mode"))
	conf.Encryption.VaultRotateMasterKey = viper.GetBool("vault-rotate-master-key")
	conf.LogLevel = viper.GetString("log-level")
	if conf.ReadOnly {
		conf.Durable = false
	}

	if keyFile := viper.GetString("master-key-file"); keyFile != "" {
		key, err := ReadMasterKeyFile(keyFile)
		if err == nil {
			conf.Encryption.MasterKey = key
		}
		conf.Encryption.StoreMasterKey = func(newKey []byte) error {
			return WriteMasterKeyFile(keyFile, newKey)
		}
	}
	return conf
}

// ReadMasterKeyFile reads a base64-encoded master key
func ReadMasterKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
}

// WriteMasterKeyFile writes a master key base64-encoded, readable only by
// the owner
func WriteMasterKeyFile(path string, key []byte) error {
	return os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0o600)
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
