package wrapper

import (
	"fmt"
	"strings"
)

// Generate emits the call_remote translation unit and its matching header for
// sig, per spec §4.2's per-parameter read and return-writeback tables. The
// shared buffer is aliased as a volatile 32-slot uint32_t array at
// argsAddress so the compiler cannot elide reads or coalesce writes across
// the call (spec §4.2).
func Generate(sig *Signature, argsAddress uint32, entryName string) (source, header string) {
	var body strings.Builder

	fmt.Fprintf(&body, "#include <stdint.h>\n")
	fmt.Fprintf(&body, "#include \"%s.h\"\n\n", entryName)
	// Supplement from original_source: suppress unused-variable warnings for
	// narrow-integer temporaries introduced by the sign-extension dance below.
	fmt.Fprintf(&body, "#pragma GCC diagnostic push\n")
	fmt.Fprintf(&body, "#pragma GCC diagnostic ignored \"-Wunused-variable\"\n\n")

	fmt.Fprintf(&body, "int %s(void) {\n", entryName)
	fmt.Fprintf(&body, "    volatile uint32_t *io = (volatile uint32_t *)0x%08xU;\n\n", argsAddress)

	for i, p := range sig.Params {
		fmt.Fprintf(&body, "    %s\n", readExpr(p, i))
	}

	fmt.Fprintf(&body, "\n")
	call := sig.Name + "(" + callArgs(sig.Params) + ")"
	const returnSlot = defaultSlotCount - 1
	switch {
	case sig.ReturnType == "void":
		fmt.Fprintf(&body, "    %s;\n", call)
	default:
		fmt.Fprintf(&body, "    %s __ret = %s;\n", sig.ReturnType, call)
		fmt.Fprintf(&body, "    %s\n", writeExpr(sig.ReturnType, returnSlot))
	}
	fmt.Fprintf(&body, "    return 0;\n")
	fmt.Fprintf(&body, "}\n\n")
	fmt.Fprintf(&body, "#pragma GCC diagnostic pop\n")

	var hdr strings.Builder
	guard := strings.ToUpper(entryName) + "_H"
	fmt.Fprintf(&hdr, "#ifndef %s\n#define %s\n\n", guard, guard)
	fmt.Fprintf(&hdr, "%s;\n\n", declareTarget(sig))
	fmt.Fprintf(&hdr, "int %s(void);\n\n", entryName)
	fmt.Fprintf(&hdr, "#endif\n")

	return body.String(), hdr.String()
}

func declareTarget(sig *Signature) string {
	params := make([]string, 0, len(sig.Params))
	for _, p := range sig.Params {
		params = append(params, p.Type+" "+p.Name)
	}
	paramText := "void"
	if len(params) > 0 {
		paramText = strings.Join(params, ", ")
	}
	return fmt.Sprintf("%s %s(%s)", sig.ReturnType, sig.Name, paramText)
}

func callArgs(params []Param) string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}

// readExpr implements spec §4.2's per-parameter read rules: a pointer
// parameter is the slot's raw bit pattern reinterpreted as the device
// address, everything else is loaded through a pointer of its own type so
// narrow integers pick up the sign/zero extension the host already applied
// when packing the slot.
func readExpr(p Param, slot int) string {
	if p.Class == Pointer {
		return fmt.Sprintf("%s %s = (%s)io[%d];", p.Type, p.Name, p.Type, slot)
	}
	return fmt.Sprintf("%s %s = *(%s*)&io[%d];", p.Type, p.Name, p.Type, slot)
}

// writeExpr implements spec §4.2's return-writeback table.
func writeExpr(returnType string, slot int) string {
	t := strings.TrimSpace(returnType)
	switch {
	case strings.Contains(t, "*"):
		return fmt.Sprintf("*(uint32_t*)&io[%d] = (uint32_t)(uintptr_t)__ret;", slot)
	case t == "float":
		return fmt.Sprintf("*(float*)&io[%d] = __ret;", slot)
	case t == "double":
		return fmt.Sprintf("*(float*)&io[%d] = (float)__ret;", slot)
	default:
		return fmt.Sprintf("*(%s*)&io[%d] = __ret;", t, slot)
	}
}
