/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-cfg/internal/utils"
	"github.com/blacktop/go-cfg/pkg/cfg"
	"github.com/blacktop/go-cfg/pkg/interp"
	"github.com/blacktop/go-cfg/pkg/knowledge"
	"github.com/blacktop/go-cfg/pkg/loader"
)

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().BoolP("segments", "s", false, "Collect code ranges from segments instead of sections")
	recoverCmd.Flags().IntP("sensitivity", "k", 0, "Call-stack context sensitivity")
	recoverCmd.Flags().Bool("indirect", false, "Print unresolved indirect jumps")
	recoverCmd.MarkZshCompPositionalArgumentFile(1)
}

// recoverCmd represents the recover command
var recoverCmd = &cobra.Command{
	Use:   "recover <MACHO>",
	Short: "Recover the control flow graph of a MachO",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		forceSegment, _ := cmd.Flags().GetBool("segments")
		sensitivity, _ := cmd.Flags().GetInt("sensitivity")
		showIndirect, _ := cmd.Flags().GetBool("indirect")

		machoPath := filepath.Clean(args[0])
		if _, err := os.Stat(machoPath); os.IsNotExist(err) {
			return fmt.Errorf("file %s does not exist", machoPath)
		}

		obj, err := loader.OpenMachO(machoPath, 0)
		if err != nil {
			return fmt.Errorf("failed to open MachO %s: %v", machoPath, err)
		}

		text := obj.File().Section("__TEXT", "__text")
		if text == nil {
			return fmt.Errorf("%s has no __TEXT.__text section", machoPath)
		}
		code, err := text.Data()
		if err != nil {
			return fmt.Errorf("failed to read __TEXT.__text: %v", err)
		}

		var entries []uint64
		for _, fn := range obj.File().GetFunctions() {
			if utils.Uint64SliceContains(entries, fn.StartAddr) {
				continue
			}
			entries = append(entries, fn.StartAddr)
		}
		if len(entries) == 0 {
			log.Warn("no function starts; seeding from __text start")
			entries = append(entries, text.Addr)
		}

		kb := knowledge.NewManager()
		c, err := cfg.New(loader.NewStatic(obj), kb, interp.NewX86(text.Addr, code), nil, &cfg.Config{
			ContextSensitivity: sensitivity,
			ForceSegment:       forceSegment,
		})
		if err != nil {
			return err
		}

		log.Infof("recovering CFG from %d entry points", len(entries))
		if err := c.Recover(entries); err != nil {
			return fmt.Errorf("block discovery failed: %v", err)
		}
		log.WithFields(log.Fields{
			"nodes": c.Len(),
		}).Info("block discovery done")

		if err := c.Normalize(); err != nil {
			return fmt.Errorf("normalization failed: %v", err)
		}

		if err := c.MakeFunctions(); err != nil {
			return fmt.Errorf("function recovery failed: %v", err)
		}
		for ch := c.AnalyzeFunctionFeatures(); ch.Decided(); ch = c.AnalyzeFunctionFeatures() {
			log.Debugf("return analysis: %d return, %d no-return", len(ch.Return), len(ch.NoReturn))
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
		fmt.Fprintf(w, "ADDRESS\tBLOCKS\tSIZE\tRETURNS\tFLAGS\n")
		for _, f := range kb.Funcs() {
			var size uint64
			for _, b := range f.BlockAddrs() {
				size += f.BlockSize(b)
			}
			ret := "?"
			if r, known := f.Returning(); known {
				ret = fmt.Sprintf("%t", r)
			}
			var flags string
			if f.IsPLT {
				flags += " plt"
			}
			if f.IsSyscall {
				flags += " syscall"
			}
			fmt.Fprintf(w, "%#x\t%d\t%s\t%s\t%s\n", f.Addr, f.NumBlocks(), humanize.Bytes(size), ret, flags)
		}
		w.Flush()

		if showIndirect {
			unresolved := c.IndirectJumps().Unresolved()
			log.Infof("%d unresolved indirect jumps", len(unresolved))
			for _, j := range unresolved {
				utils.Indent(log.Warn, 2)(j.String())
			}
		}

		return nil
	},
}
