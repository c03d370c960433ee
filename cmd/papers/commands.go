package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/pathutil"
	"github.com/active-papers/goactivepapers/internal/provenance"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <file>",
		Short: "Create a new, empty paper container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			log.Infow("created paper", "file", args[0])
			return p.Close()
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <file> [path]",
		Short: "List the children of a group (default: /data)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			path := string(pathutil.SectionData)
			if len(args) == 2 {
				path = args[1]
			}
			children, err := p.Container().ListChildren(path)
			if err != nil {
				return err
			}
			for _, c := range children {
				tag, hasTag, err := provenance.DatatypeTag(p.Container(), c)
				if err != nil {
					return err
				}
				if hasTag {
					fmt.Printf("%s\t[%s]\n", c, tag)
				} else {
					fmt.Println(c)
				}
			}
			return nil
		},
	}
}

func newGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group <file> <path>",
		Short: "Create a structural group under /data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			_, err = p.DataRoot().CreateGroup(args[1])
			return err
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <file> <path>",
		Short: "Delete an item or subtree under /data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			return p.DataRoot().Delete(args[1])
		},
	}
}

func newDummyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dummy <file> <path>",
		Short: "Replace a derived item's content with an empty placeholder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			abs, err := pathutil.Resolve(pathutil.SectionData, args[1])
			if err != nil {
				return err
			}
			return p.ReplaceByDummy(abs)
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <file> <path> <key> <value>",
		Short: "Set a user attribute on an item",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			if provenance.IsReserved(args[2]) {
				return fmt.Errorf("set: %q is a reserved attribute name", args[2])
			}
			return p.Container().SetAttr(args[1], args[2], args[3])
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <file> <path> <key>",
		Short: "Read a user attribute on an item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			if provenance.IsReserved(args[2]) {
				return fmt.Errorf("get: %q is a reserved attribute name", args[2])
			}
			value, ok, err := p.Container().GetAttr(args[1], args[2])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("get: %s has no attribute %q", args[1], args[2])
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <file> <path> <host-dest>",
		Short: "Write an item's raw bytes to a host file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			data, err := p.Container().ReadBytes(args[1])
			if err != nil {
				return err
			}
			return os.WriteFile(args[2], data, 0644)
		},
	}
}

func newCalcletCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "calclet <file> <path> <source-file>",
		Short: "Create a calclet from a host source file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			source, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			_, err = p.CreateCalclet(args[1], language, string(source))
			return err
		},
	}
	cmd.Flags().StringVar(&language, "language", "go", "source language attribute")
	return cmd
}

func newImportletCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "importlet <file> <path> <source-file>",
		Short: "Create an importlet from a host source file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			source, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			_, err = p.CreateImportlet(args[1], language, string(source))
			return err
		},
	}
	cmd.Flags().StringVar(&language, "language", "go", "source language attribute")
	return cmd
}

func newImportModuleCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "import_module <file> <host-path> <container-path>",
		Short: "Import a host Go file, or recursively a host directory tree, as modules",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			if recursive {
				return p.ImportModuleTree(args[1], args[2])
			}
			return p.ImportModule(args[1], args[2])
		},
	}
	cmd.Flags().BoolVar(&recursive, "recursive", false, "import a directory tree as a package hierarchy")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file> <codelet-path>",
		Short: "Run a calclet or importlet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			return p.RunCodelet(args[1])
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <file> <target-path>",
		Short: "Rebuild target and every stale item it transitively depends on",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Rebuild(args[1])
		},
	}
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <file> <new-file>",
		Short: "Rebuild the paper from scratch into a new container file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			return p.RebuildInto(args[1])
		},
	}
}

func newLnCmd() *cobra.Command {
	var codeRef bool
	cmd := &cobra.Command{
		Use:   "ln <file> <path> <paper-ref> <target-path>",
		Short: "Create a reference item pointing at an item in another (or the same) paper",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			if codeRef {
				return p.CreateCodeRef(args[1], args[2], args[3])
			}
			return p.CreateDataRef(args[1], args[2], args[3])
		},
	}
	cmd.Flags().BoolVar(&codeRef, "code", false, "create the reference under /code instead of /data")
	return cmd
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <file> <src> <dst>",
		Short: "Deep-copy an item, preserving its timestamp and recording provenance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			return p.CreateCopy(args[1], args[2], "")
		},
	}
}

func newRefsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs <file>",
		Short: "List every external paper referenced from this paper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			refs, err := p.ExternalReferences()
			if err != nil {
				return err
			}
			for _, r := range refs {
				fmt.Println(r)
			}
			return nil
		},
	}
}

func newCheckinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <file> <host-dir>",
		Short: "Import a host directory's code/ and documentation/ subtrees into the paper",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()

			codeDir := filepath.Join(args[1], "code")
			if info, err := os.Stat(codeDir); err == nil && info.IsDir() {
				if err := p.ImportModuleTree(codeDir, string(pathutil.SectionCode)); err != nil {
					return err
				}
			}

			docDir := filepath.Join(args[1], "documentation")
			return filepath.Walk(docDir, func(hostFile string, info os.FileInfo, err error) error {
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if info.IsDir() {
					return nil
				}
				rel, err := filepath.Rel(docDir, hostFile)
				if err != nil {
					return err
				}
				data, err := os.ReadFile(hostFile)
				if err != nil {
					return err
				}
				abs := pathutil.Join(string(pathutil.SectionDocumentation), filepath.ToSlash(rel))
				f, err := p.OpenInternalFile(abs, "wb", "")
				if err != nil {
					return err
				}
				defer f.Close()
				return f.Write(data)
			})
		},
	}
}

func newCheckoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <file> <host-dir>",
		Short: "Write the paper's /code modules and /documentation files out to a host directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPaper(args[0])
			if err != nil {
				return err
			}
			defer p.Close()

			codeOut := filepath.Join(args[1], "code")
			if err := checkoutModules(p.Container(), string(pathutil.SectionCode), codeOut); err != nil {
				return err
			}
			docOut := filepath.Join(args[1], "documentation")
			return checkoutFiles(p.Container(), string(pathutil.SectionDocumentation), docOut)
		},
	}
}

func checkoutModules(c *container.Adapter, root, hostDir string) error {
	children, err := c.ListChildren(root)
	if err != nil {
		return err
	}
	for _, child := range children {
		kind, err := c.Kind(child)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(child, root+"/")
		dest := filepath.Join(hostDir, filepath.FromSlash(rel))
		if kind == container.KindGroup {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			if err := checkoutModules(c, child, dest); err != nil {
				return err
			}
			continue
		}
		tag, hasTag, err := provenance.DatatypeTag(c, child)
		if err != nil {
			return err
		}
		if !hasTag || tag != provenance.TagModule && tag != provenance.TagCalclet && tag != provenance.TagImportlet {
			continue
		}
		data, err := c.ReadBytes(child)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func checkoutFiles(c *container.Adapter, root, hostDir string) error {
	exists, err := c.Exists(root)
	if err != nil || !exists {
		return err
	}
	children, err := c.ListChildren(root)
	if err != nil {
		return err
	}
	for _, child := range children {
		kind, err := c.Kind(child)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(child, root+"/")
		dest := filepath.Join(hostDir, filepath.FromSlash(rel))
		if kind == container.KindGroup {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			if err := checkoutFiles(c, child, dest); err != nil {
				return err
			}
			continue
		}
		data, err := c.ReadBytes(child)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "edit <file> <path>",
		Short:  "Not supported: use checkout, a host editor, and checkin instead",
		Args:   cobra.ExactArgs(2),
		Hidden: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("edit: no interactive editor integration; run 'checkout', edit on the host, then 'checkin'")
		},
	}
}

func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console <file>",
		Short: "Not supported: this engine has no interactive REPL front end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("console: no interactive front end; use 'run' against a prepared calclet or importlet")
		},
	}
}
