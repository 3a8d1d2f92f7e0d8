package backup

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/ValentinKolb/tidewater/cmd/util"
	"github.com/ValentinKolb/tidewater/lib/adapter"
	"github.com/ValentinKolb/tidewater/lib/backup"
	"github.com/ValentinKolb/tidewater/lib/logging"
)

var (
	BackupCmd = &cobra.Command{
		Use:     "backup",
		Short:   "Hot backup of a live engine root",
		Long:    `Take a consistent hot backup of the engine root (including the encryption key store, when present) into a local directory or an S3-compatible object store. The configuration can be set via command line flags or environment variables with the TIDEWATER_ prefix (e.g. TIDEWATER_PATH=/data).`,
		PreRunE: processConfig,
		RunE:    run,
	}

	s3params backup.S3Params
	destPath string
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupEngineFlags(BackupCmd)

	key := "dest"
	BackupCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Destination directory for a local backup. Mutually exclusive with the s3-* flags"))

	key = "s3-endpoint"
	BackupCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("S3 endpoint override (e.g. 127.0.0.1:9000)"))

	key = "s3-scheme"
	BackupCmd.PersistentFlags().String(key, "https", cmdUtil.WrapString("S3 endpoint scheme (http or https)"))

	key = "s3-region"
	BackupCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("S3 region of the backup bucket"))

	key = "s3-profile"
	BackupCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("AWS shared-credentials profile to use"))

	key = "s3-bucket"
	BackupCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("S3 bucket receiving the backup (created when missing)"))

	key = "s3-prefix"
	BackupCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Key prefix inside the bucket. No objects may exist under it yet"))

	key = "s3-virtual-addressing"
	BackupCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Use bucket-named virtual hosts instead of path style"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	destPath = viper.GetString("dest")
	s3params = backup.S3Params{
		Endpoint:             viper.GetString("s3-endpoint"),
		Scheme:               viper.GetString("s3-scheme"),
		Region:               viper.GetString("s3-region"),
		Profile:              viper.GetString("s3-profile"),
		Bucket:               viper.GetString("s3-bucket"),
		Prefix:               viper.GetString("s3-prefix"),
		UseVirtualAddressing: viper.GetBool("s3-virtual-addressing"),
	}

	if destPath == "" && s3params.Bucket == "" {
		return fmt.Errorf("either --dest or --s3-bucket is required")
	}
	if destPath != "" && s3params.Bucket != "" {
		return fmt.Errorf("--dest and --s3-bucket are mutually exclusive")
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	conf := cmdUtil.GetEngineConfig()
	logging.InitLoggers(conf.LogLevel)

	kv, err := adapter.New(conf)
	if err != nil {
		return err
	}
	defer kv.CleanShutdown()

	if destPath != "" {
		if err := backup.Local(kv, destPath, nil); err != nil {
			return err
		}
		fmt.Printf("backup complete: %s\n", destPath)
		return nil
	}
	if err := backup.ToS3(kv, s3params, nil); err != nil {
		return err
	}
	fmt.Printf("backup complete: %s/%s\n", s3params.Bucket, s3params.Prefix)
	return nil
}
