package main

import "testing"

func TestCommandsHaveUseString(t *testing.T) {
	for name, use := range map[string]string{
		"create":        newCreateCmd().Use,
		"ls":            newLsCmd().Use,
		"group":         newGroupCmd().Use,
		"rm":            newRmCmd().Use,
		"dummy":         newDummyCmd().Use,
		"set":           newSetCmd().Use,
		"get":           newGetCmd().Use,
		"extract":       newExtractCmd().Use,
		"calclet":       newCalcletCmd().Use,
		"importlet":     newImportletCmd().Use,
		"import_module": newImportModuleCmd().Use,
		"run":           newRunCmd().Use,
		"update":        newUpdateCmd().Use,
		"rebuild":       newRebuildCmd().Use,
		"checkin":       newCheckinCmd().Use,
		"checkout":      newCheckoutCmd().Use,
		"ln":            newLnCmd().Use,
		"cp":            newCpCmd().Use,
		"refs":          newRefsCmd().Use,
		"edit":          newEditCmd().Use,
		"console":       newConsoleCmd().Use,
	} {
		if use == "" {
			t.Fatalf("%s: command has an empty Use string", name)
		}
	}
}

func TestEachCommandDefinesRunOrRunE(t *testing.T) {
	for _, c := range []struct {
		name    string
		hasRun  bool
		hasRunE bool
	}{
		{"create", newCreateCmd().Run != nil, newCreateCmd().RunE != nil},
		{"ls", newLsCmd().Run != nil, newLsCmd().RunE != nil},
		{"run", newRunCmd().Run != nil, newRunCmd().RunE != nil},
	} {
		if !c.hasRun && !c.hasRunE {
			t.Fatalf("%s: command defines neither Run nor RunE", c.name)
		}
	}
}
