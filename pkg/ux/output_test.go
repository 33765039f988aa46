// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newMachinePrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &Printer{Out: &out, Err: &errOut, Mode: ModeMachine}, &out, &errOut
}

func TestPrinter_MachineMode(t *testing.T) {
	p, out, errOut := newMachinePrinter()

	p.Title("ignored")
	p.Success("ledger intact")
	p.Error("chain broken")
	p.Warning("ledger halted")

	assert.Equal(t, "OK: ledger intact\n", out.String())
	assert.Equal(t, "ERROR: chain broken\nWARN: ledger halted\n", errOut.String())
}

func TestPrinter_FieldsSortedInMachineMode(t *testing.T) {
	p, out, _ := newMachinePrinter()

	p.Fields("coverage", map[string]string{
		"total_cards":      "4",
		"drilled_recently": "1",
		"never_drilled":    "2",
	})

	assert.Equal(t, "drilled_recently=1\nnever_drilled=2\ntotal_cards=4\n", out.String())
}

func TestPrinter_ListRich(t *testing.T) {
	var out bytes.Buffer
	p := &Printer{Out: &out, Err: &out, Mode: ModeRich}

	p.List("overdue", nil)
	assert.Contains(t, out.String(), "(none)")

	out.Reset()
	p.List("overdue", []string{"CE001", "NET002"})
	assert.Equal(t, 3, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "CE001")
}

func TestDetectMode_EnvOverride(t *testing.T) {
	t.Setenv("RESILIENCE_OUTPUT", "machine")
	assert.Equal(t, ModeMachine, DetectMode(nil))
}

func TestIcon_Render(t *testing.T) {
	assert.Contains(t, IconSuccess.Render(), "✓")
	assert.Equal(t, "•", IconBullet.Render())
}
