package rotate

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/ValentinKolb/tidewater/cmd/util"
	"github.com/ValentinKolb/tidewater/lib/adapter"
	"github.com/ValentinKolb/tidewater/lib/keystore"
	"github.com/ValentinKolb/tidewater/lib/logging"
)

var (
	RotateCmd = &cobra.Command{
		Use:     "rotate-master-key",
		Short:   "Rotate the encryption master key",
		Long:    `Create a new key store sealed by a fresh master key, clone all database keys into it, and atomically swap it in. The previous key store is kept in key.db.rotated until the operator removes it.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)
	cmdUtil.SetupEngineFlags(RotateCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	if viper.GetString("master-key-file") == "" {
		return fmt.Errorf("--master-key-file is required: the rotated master key has to be stored somewhere")
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	conf := cmdUtil.GetEngineConfig()
	conf.Encryption.Enable = true
	conf.Encryption.VaultRotateMasterKey = true
	logging.InitLoggers(conf.LogLevel)

	_, err := adapter.New(conf)
	if errors.Is(err, keystore.ErrRotationFinished) {
		fmt.Println("master key rotation finished successfully")
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("rotation did not run: engine opened normally")
}
