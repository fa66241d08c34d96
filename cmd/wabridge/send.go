package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/wabridge/driver"
	"github.com/quailyquaily/wabridge/identity"
	"github.com/quailyquaily/wabridge/switchplan"
)

// newSendCmd is a one-shot manual send using the persisted browser session.
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <number> <message>",
		Short: "Send one message to a phone number and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			num := identity.CanonicalNumber(args[0])
			if num == "" {
				return fmt.Errorf("invalid number %q", args[0])
			}
			target := identity.ChatIdentity{Kind: identity.KindDirectNumber, CanonicalID: num}

			stateDir := expandHome(viper.GetString("state_dir"))
			drv, err := driver.NewRod(cmd.Context(), driver.RodConfig{
				Bin:          viper.GetString("browser.bin"),
				UserDataDir:  filepath.Join(stateDir, "browser"),
				Headless:     viper.GetBool("browser.headless"),
				BaseURL:      viper.GetString("browser.base_url"),
				NavTimeout:   viper.GetDuration("browser.nav_timeout"),
				LoginTimeout: viper.GetDuration("browser.login_timeout"),
			})
			if err != nil {
				return err
			}
			defer drv.Close()

			if err := drv.Login(cmd.Context(), nil); err != nil {
				return err
			}
			outcome, err := drv.Open(cmd.Context(), switchplan.For(target))
			if err != nil {
				return err
			}
			if outcome != switchplan.OutcomeSuccess {
				return fmt.Errorf("switch outcome %s", outcome)
			}
			return drv.Send(cmd.Context(), target, args[1])
		},
	}
	return cmd
}
