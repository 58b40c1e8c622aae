package cmd

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func logLevelFlag(v *viper.Viper) string {
	return v.GetString("log.level")
}

func addLogLevelFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-level", "info", "log level")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

func logFormatFlag(v *viper.Viper) string {
	return v.GetString("log.format")
}

func addLogFormatFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("log-format", "json", "log format")
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindEnv("log.format", "LOG_FORMAT")
}

func storageTypeFlag(v *viper.Viper) string {
	return v.GetString("storage.type")
}

func addStorageTypeFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-type", "filesystem", "Storage backend type (filesystem, blob)")
	_ = v.BindPFlag("storage.type", flags.Lookup("storage-type"))
	_ = v.BindEnv("storage.type", "RESTORE_STATE_STORAGE_TYPE")
}

func storageDirFlag(v *viper.Viper) string {
	return v.GetString("storage.dir")
}

func addStorageDirFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-dir", "/var/lib/restorestate", "Directory for filesystem storage")
	_ = v.BindPFlag("storage.dir", flags.Lookup("storage-dir"))
	_ = v.BindEnv("storage.dir", "RESTORE_STATE_STORAGE_DIR")
}

func storageBlobBucketFlag(v *viper.Viper) string {
	return v.GetString("storage.blob.bucket")
}

func addStorageBlobBucketFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-blob-bucket", "", "Blob storage bucket URL (gs://, s3://, azblob://)")
	_ = v.BindPFlag("storage.blob.bucket", flags.Lookup("storage-blob-bucket"))
	_ = v.BindEnv("storage.blob.bucket", "RESTORE_STATE_STORAGE_BLOB_BUCKET")
}

func storageBlobPrefixFlag(v *viper.Viper) string {
	return v.GetString("storage.blob.prefix")
}

func addStorageBlobPrefixFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("storage-blob-prefix", "", "Optional key prefix within the blob bucket")
	_ = v.BindPFlag("storage.blob.prefix", flags.Lookup("storage-blob-prefix"))
	_ = v.BindEnv("storage.blob.prefix", "RESTORE_STATE_STORAGE_BLOB_PREFIX")
}

func backupLimitFlag(v *viper.Viper) int {
	return v.GetInt("backup.limit")
}

func addBackupLimitFlag(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Int("backup-limit", 2, "Number of snapshot backup generations to keep")
	_ = v.BindPFlag("backup.limit", flags.Lookup("backup-limit"))
	_ = v.BindEnv("backup.limit", "RESTORE_STATE_BACKUP_LIMIT")
}
