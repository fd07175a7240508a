package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"marketpulse/internal/errors"
	"marketpulse/internal/models"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change a user's threshold settings",
	}
	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsSetCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a user's threshold settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, db, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(cmd.Context()) }()

			cfg, err := db.FindConfig(cmd.Context(), userID)
			if errors.Is(err, errors.ErrUserNotFound) {
				defaults := models.DefaultThresholdConfig(userID)
				cfg = &defaults
				fmt.Println("No saved settings; showing defaults.")
			} else if err != nil {
				return err
			}

			fmt.Printf("User %d\n", cfg.UserID)
			fmt.Printf("  Growth:    %.1f%% over %dm\n", cfg.GrowthPercent, cfg.GrowthPeriodMinutes)
			fmt.Printf("  Recession: %.1f%% over %dm\n", cfg.RecessionPercent, cfg.RecessionPeriodMinutes)
			fmt.Printf("  Liquidation floor: %.0f\n", cfg.LiquidationFloor)
			for _, ex := range []models.Exchange{models.ExchangeBinance, models.ExchangeBybit} {
				state := "off"
				if cfg.SubscribesTo(ex) {
					state = "on"
				}
				fmt.Printf("  %s: %s\n", ex, state)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user ID (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	var (
		userID           int64
		growthPeriod     int
		recessionPeriod  int
		growthPercent    float64
		recessionPercent float64
		liquidationFloor float64
		exchanges        []string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update a user's threshold settings",
		Long: `Updates the given fields of a user's threshold settings, starting from
their saved settings (or the defaults for a new user). Values are validated
against the allowed ranges before saving.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(cmd.Context()) }()

			cfg, err := db.FindConfig(cmd.Context(), userID)
			if errors.Is(err, errors.ErrUserNotFound) {
				defaults := models.DefaultThresholdConfig(userID)
				cfg = &defaults
			} else if err != nil {
				return err
			}

			if cmd.Flags().Changed("growth-period") {
				cfg.GrowthPeriodMinutes = growthPeriod
			}
			if cmd.Flags().Changed("recession-period") {
				cfg.RecessionPeriodMinutes = recessionPeriod
			}
			if cmd.Flags().Changed("growth-percent") {
				cfg.GrowthPercent = growthPercent
			}
			if cmd.Flags().Changed("recession-percent") {
				cfg.RecessionPercent = recessionPercent
			}
			if cmd.Flags().Changed("liquidation-floor") {
				cfg.LiquidationFloor = liquidationFloor
			}
			if cmd.Flags().Changed("exchanges") {
				parsed, err := parseExchanges(exchanges)
				if err != nil {
					return err
				}
				cfg.Exchanges = parsed
			}

			if err := db.SaveConfig(cmd.Context(), *cfg); err != nil {
				return err
			}
			logger.Info().Int64("user_id", userID).Msg("Threshold settings saved")
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user ID (required)")
	cmd.Flags().IntVar(&growthPeriod, "growth-period", 0, "growth window in minutes")
	cmd.Flags().IntVar(&recessionPeriod, "recession-period", 0, "recession window in minutes")
	cmd.Flags().Float64Var(&growthPercent, "growth-percent", 0, "growth threshold percent")
	cmd.Flags().Float64Var(&recessionPercent, "recession-percent", 0, "recession threshold percent")
	cmd.Flags().Float64Var(&liquidationFloor, "liquidation-floor", 0, "minimum liquidation notional")
	cmd.Flags().StringSliceVar(&exchanges, "exchanges", nil, "subscribed exchanges (binance,bybit)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func parseExchanges(names []string) ([]models.Exchange, error) {
	var out []models.Exchange
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case string(models.ExchangeBinance):
			out = append(out, models.ExchangeBinance)
		case string(models.ExchangeBybit):
			out = append(out, models.ExchangeBybit)
		default:
			return nil, fmt.Errorf("unknown exchange %q", name)
		}
	}
	return out, nil
}
