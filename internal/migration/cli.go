package migration

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

// CLI 将迁移器暴露为 geoflow migrate 子命令
type CLI struct {
	migrator *Migrator
	output   io.Writer
}

// NewCLI 创建迁移命令行入口
func NewCLI(migrator *Migrator, output io.Writer) *CLI {
	return &CLI{migrator: migrator, output: output}
}

// Run 分发迁移子命令: up, down, down-all, goto N, force N, version, status
func (c *CLI) Run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migrate command (up, down, down-all, goto, force, version, status)")
	}

	switch args[0] {
	case "up":
		fmt.Fprintln(c.output, "Running migrations...")
		if err := c.migrator.Up(); err != nil {
			return err
		}
		return c.printVersion("Migrations complete.")
	case "down":
		fmt.Fprintln(c.output, "Rolling back last migration...")
		if err := c.migrator.Down(); err != nil {
			return err
		}
		return c.printVersion("Rollback complete.")
	case "down-all":
		fmt.Fprintln(c.output, "Rolling back all migrations...")
		if err := c.migrator.DownAll(); err != nil {
			return err
		}
		fmt.Fprintln(c.output, "All migrations rolled back.")
		return nil
	case "goto":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := c.migrator.Goto(uint(version)); err != nil {
			return err
		}
		fmt.Fprintf(c.output, "Migrated to version %d\n", version)
		return nil
	case "force":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := c.migrator.Force(int(version)); err != nil {
			return err
		}
		fmt.Fprintf(c.output, "Version forced to %d\n", version)
		return nil
	case "version":
		return c.runVersion()
	case "status":
		return c.runStatus()
	default:
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
}

func versionArg(args []string) (uint64, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s requires a version argument", args[0])
	}
	version, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", args[1], err)
	}
	return version, nil
}

func (c *CLI) printVersion(prefix string) error {
	info, err := c.migrator.Info()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s Current version: %d\n", prefix, info.CurrentVersion)
	return nil
}

func (c *CLI) runVersion() error {
	version, dirty, err := c.migrator.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.output, "Current version: %d", version)
	if dirty {
		fmt.Fprint(c.output, " (dirty)")
	}
	fmt.Fprintln(c.output)
	return nil
}

func (c *CLI) runStatus() error {
	statuses, err := c.migrator.Status()
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		status := "Pending"
		if s.Applied {
			status = "Applied"
		}
		if s.Dirty {
			status = "Dirty"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, status)
	}
	w.Flush()

	info, err := c.migrator.Info()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n",
		info.Total, info.Applied, info.Pending)
	return nil
}
