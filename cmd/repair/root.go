package repair

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/ValentinKolb/tidewater/cmd/util"
	"github.com/ValentinKolb/tidewater/lib/adapter"
	"github.com/ValentinKolb/tidewater/lib/logging"
)

var (
	RepairCmd = &cobra.Command{
		Use:     "repair",
		Short:   "Verify and repair table idents",
		Long:    `Verify the given ident (or all idents) and salvage or rebuild tables that fail verification. Runs the engine in repair mode.`,
		PreRunE: processConfig,
		RunE:    run,
	}

	ident string
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupEngineFlags(RepairCmd)

	key := "ident"
	RepairCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Single ident to repair. All idents when unset"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	ident = viper.GetString("ident")
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	conf := cmdUtil.GetEngineConfig()
	conf.Repair = true
	logging.InitLoggers(conf.LogLevel)

	kv, err := adapter.New(conf)
	if err != nil {
		return err
	}
	defer kv.CleanShutdown()

	idents := []string{ident}
	if ident == "" {
		if idents, err = kv.GetAllIdents(); err != nil {
			return err
		}
	}

	for _, id := range idents {
		err := kv.RepairIdent(id)
		switch {
		case err == nil:
			fmt.Printf("%s: ok\n", id)
		case adapter.IsCode(err, adapter.ErrCDataModifiedByRepair):
			fmt.Printf("%s: repaired (%v)\n", id, err)
		default:
			return err
		}
	}
	return nil
}
