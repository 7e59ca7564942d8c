package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
	"github.com/remiblancher/qpki-ra/internal/validator"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage end entity profiles",
	Long: `Manage end entity profiles.

An end entity profile lists the subject DN components, alternative names and
directory attributes an end entity may carry, with their default values,
whether they are required and whether the caller may change them.

Profiles are stored as YAML files in the profiles directory.

Examples:
  # List registered profiles
  qra profile list

  # Create a profile from a built-in template or a file
  qra profile new web --from tls-server
  qra profile new custom --file custom.yaml

  # Check a candidate end entity against a profile
  qra profile validate web alice.yaml`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered profiles",
	RunE:  runProfileList,
}

var profileBuiltinsCmd = &cobra.Command{
	Use:   "builtins",
	Short: "List built-in profile templates",
	RunE:  runProfileBuiltins,
}

var profileNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a profile",
	Long: `Create a profile from a built-in template (--from) or a YAML file (--file).

Field validators referenced by the profile must be known.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileNew,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show profile YAML content",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileRenameCmd = &cobra.Command{
	Use:   "rename <name> <new-name>",
	Short: "Rename a profile",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfileRename,
}

var profileCloneCmd = &cobra.Command{
	Use:   "clone <name> <new-name>",
	Short: "Copy a profile under a new name",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfileClone,
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a profile",
	Long:  `Remove a profile. End entities still referring to it are reported and left untouched.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileRemove,
}

var profileUpgradeCmd = &cobra.Command{
	Use:   "upgrade <file>",
	Short: "Upgrade a profile file to the current version",
	Long: `Upgrade a profile YAML file written by an older release.

Missing fields are added with their defaults and dangling order references are
dropped. The file is rewritten in place unless --out is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileUpgrade,
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate <name> <candidate.yaml>",
	Short: "Validate a candidate end entity against a profile",
	Long: `Validate a candidate end entity against a profile without registering it.

Profile defaults and derived values are filled in first, as they are when
the end entity is added.`,
	Args: cobra.ExactArgs(2),
	RunE: runProfileValidate,
}

var (
	profileFrom    string
	profileFile    string
	profileOut     string
	profileNoCheck bool
)

func init() {
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileBuiltinsCmd)
	profileCmd.AddCommand(profileNewCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileRenameCmd)
	profileCmd.AddCommand(profileCloneCmd)
	profileCmd.AddCommand(profileRemoveCmd)
	profileCmd.AddCommand(profileUpgradeCmd)
	profileCmd.AddCommand(profileValidateCmd)

	profileNewCmd.Flags().StringVar(&profileFrom, "from", profile.DefaultProfileName, "Built-in template to start from")
	profileNewCmd.Flags().StringVarP(&profileFile, "file", "f", "", "Profile YAML file (overrides --from)")

	profileUpgradeCmd.Flags().StringVarP(&profileOut, "out", "o", "", "Output file (default: rewrite input)")

	profileValidateCmd.Flags().BoolVar(&profileNoCheck, "no-password", false, "Do not check the candidate password")
}

func runProfileList(cmd *cobra.Command, args []string) error {
	profiles := app.profiles.List()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tVERSION\tFIELDS")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t-------\t------")
	for _, p := range profiles {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", p.ID, p.Name, p.Type(), p.Version, len(p.FieldIDs()))
	}
	return w.Flush()
}

func runProfileBuiltins(cmd *cobra.Command, args []string) error {
	builtins, err := profile.BuiltinProfiles(app.logger)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tFIELDS")
	for _, name := range names {
		p := builtins[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", name, p.Type(), len(p.FieldIDs()))
	}
	return w.Flush()
}

func runProfileNew(cmd *cobra.Command, args []string) error {
	var p *profile.Profile
	if profileFile != "" {
		loaded, err := profile.LoadProfileFromFile(profileFile, app.logger)
		if err != nil {
			return err
		}
		p = loaded
	} else {
		builtins, err := profile.BuiltinProfiles(app.logger)
		if err != nil {
			return err
		}
		tmpl, ok := builtins[profileFrom]
		if !ok {
			return fmt.Errorf("unknown built-in profile %q", profileFrom)
		}
		p = tmpl.Clone()
	}
	p.Name = args[0]
	p.ID = 0

	if err := app.validator.FieldValidators().CheckProfile(p); err != nil {
		return err
	}
	id, err := app.profiles.Add(cmd.Context(), p)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %s created (id %d)\n", p.Name, id)
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	p, err := app.profiles.ByName(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runProfileRename(cmd *cobra.Command, args []string) error {
	if err := app.profiles.Rename(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %s renamed to %s\n", args[0], args[1])
	return nil
}

func runProfileClone(cmd *cobra.Command, args []string) error {
	id, err := app.profiles.CloneProfile(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %s created from %s (id %d)\n", args[1], args[0], id)
	return nil
}

func runProfileRemove(cmd *cobra.Command, args []string) error {
	id, ok := app.profiles.IDByName(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", profile.ErrProfileNotFound, args[0])
	}
	inUse, err := app.store.List(cmd.Context(), endentity.Filter{ProfileID: id})
	if err != nil {
		return err
	}
	if err := app.profiles.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %s removed\n", args[0])
	if len(inUse) > 0 {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Warning: %d end entities still refer to profile id %d\n", len(inUse), id)
	}
	return nil
}

func runProfileUpgrade(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	var head struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Loading upgrades the profile.
	p, err := profile.LoadProfileFromBytes(data, app.logger)
	if err != nil {
		return err
	}
	out, err := p.Marshal()
	if err != nil {
		return err
	}
	dst := profileOut
	if dst == "" {
		dst = args[0]
	}
	if err := os.WriteFile(dst, out, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %s upgraded from version %d to %d\n", p.Name, head.Version, p.Version)
	return nil
}

func runProfileValidate(cmd *cobra.Command, args []string) error {
	p, err := app.profiles.ByName(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	e, err := loadCandidate(args[1])
	if err != nil {
		return err
	}
	e.ProfileID = p.ID
	if e.CAID == 0 {
		e.CAID = p.DefaultCA()
	}
	if e.CertProfileID == 0 {
		e.CertProfileID = p.DefaultCertProfile()
	}
	if e.TokenType == 0 {
		e.TokenType = p.DefaultTokenType()
	}

	validator.ApplyDerivedValues(e, p)
	if err := app.validator.Validate(e, p, !profileNoCheck); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Candidate %s is valid for profile %s\n", e.Username, p.Name)
	return nil
}
