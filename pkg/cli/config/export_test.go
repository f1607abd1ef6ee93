package config

// NewRepositoryForTest creates a Repository config for testing purposes
func NewRepositoryForTest(backend, sqlitePath string, autoMigrate bool) *Repository {
	return &Repository{
		backend:     backend,
		sqlitePath:  sqlitePath,
		autoMigrate: autoMigrate,
	}
}

// NewLoggerForTest creates a Logger config for testing purposes
func NewLoggerForTest(level, format, output string) *Logger {
	return &Logger{
		level:  level,
		format: format,
		output: output,
	}
}
