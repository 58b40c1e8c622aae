package cmd

import (
	"fmt"

	"github.com/foomo/keel/log"
	"github.com/spf13/cobra"

	"github.com/foomo/restorestate/pkg/store"
)

func NewPruneCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove snapshot backup generations beyond the limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := log.Logger()

			storage, err := createStorage(cmd.Context(), v, l)
			if err != nil {
				return fmt.Errorf("failed to create storage: %w", err)
			}
			defer storage.Close()

			s, err := store.NewStore(l.Named("inst.store"),
				store.StoreWithStorage(storage),
				store.StoreWithBackupLimit(backupLimitFlag(v)),
			)
			if err != nil {
				return fmt.Errorf("failed to create snapshot store: %w", err)
			}

			if err := s.Prune(cmd.Context()); err != nil {
				return fmt.Errorf("failed to prune snapshot backups: %w", err)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	addStorageTypeFlag(flags, v)
	addStorageDirFlag(flags, v)
	addStorageBlobBucketFlag(flags, v)
	addStorageBlobPrefixFlag(flags, v)
	addBackupLimitFlag(flags, v)

	return cmd
}
