package ledger

import (
	"os"
	"strconv"
)

// Config carries the handful of deployment knobs the kernel needs to boot.
// Policy pack assembly and the rest of the reference-data pipeline are
// built and owned outside this module (spec.md §1 Non-goals); Config only
// identifies which already-compiled pack and which bbolt file to open.
type Config struct {
	// DBPath is the bbolt database file backing the primary store.
	DBPath string
	// ReportDBPath is the DSN for the secondary GORM-backed store used by
	// the read/report surface and by the ORM-level immutability hooks.
	ReportDBPath string
	// LegalEntity selects which compiled policy pack to load.
	LegalEntity string
	// PolicyPackPath points at the frozen, fingerprinted pack artifact.
	PolicyPackPath string
	// LockTimeoutSeconds bounds how long BootKernel waits for the bbolt
	// database file lock when opening the primary store.
	LockTimeoutSeconds int
}

// LoadConfig reads configuration from the environment. There is no layered
// override system (file < env < flag) here deliberately: the kernel has
// five knobs, and a validated config-assembly library would have nothing
// to validate.
func LoadConfig() Config {
	cfg := Config{
		DBPath:             getenvDefault("KERNEL_DB_PATH", "ledgercore.db"),
		ReportDBPath:       getenvDefault("KERNEL_REPORT_DB_PATH", "ledgercore_report.db"),
		LegalEntity:        getenvDefault("KERNEL_LEGAL_ENTITY", "default"),
		PolicyPackPath:     getenvDefault("KERNEL_POLICY_PACK_PATH", ""),
		LockTimeoutSeconds: 10,
	}
	if v := os.Getenv("KERNEL_LOCK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockTimeoutSeconds = n
		}
	}
	return cfg
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
