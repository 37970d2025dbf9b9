// Package catalog holds the static tables of known player code sequences
// and default title patterns. Tables are built once at package init and
// never modified.
package catalog

import (
	"debug/macho"

	"golang.org/x/arch/x86/x86asm"
	"rsc.io/binaryregexp"

	"github.com/shockpkg/projector/bytebuf"
	"github.com/shockpkg/projector/machoimg"
	"github.com/shockpkg/projector/patch"
	"github.com/shockpkg/projector/peimg"
)

// KnownTitle matches the default window title of every cataloged player.
// Unknown titles fail closed.
var KnownTitle = binaryregexp.MustCompile(`^(?:Adobe|Macromedia) Flash Player \d+(?:,\d+,\d+,\d+)?$`)

// ProjectorMarker prefixes the string next to the title in Windows string
// tables.
const ProjectorMarker = "Projector "

// WindowsTitle recognizes the title string table of Windows players.
var WindowsTitle = peimg.TitlePolicy{
	Known:  KnownTitle,
	Marker: ProjectorMarker,
	Legacy: [2]*binaryregexp.Regexp{
		binaryregexp.MustCompile(`^Macromedia Flash Player \d+$`),
		binaryregexp.MustCompile(`^Macromedia Flash Player$`),
	},
}

func ref(find string, op x86asm.Op, reg, base x86asm.Reg, operand patch.Operand) patch.Reference {
	return patch.Reference{
		Find:    bytebuf.MustPattern(find),
		Op:      op,
		Reg:     reg,
		Base:    base,
		Operand: operand,
	}
}

var (
	ebxRel = patch.Operand{Offset: 2, Style: patch.Absolute, Mode: 32}
	ripRel = patch.Operand{Offset: 3, End: 7, Style: patch.Relative, Mode: 64}
)

// LinuxTitleRefs32 are the i386 forms loading the title address relative
// to the GOT pointer in EBX.
var LinuxTitleRefs32 = []patch.Reference{
	ref("8D 83 ?? ?? ?? ??", x86asm.LEA, x86asm.EAX, x86asm.EBX, ebxRel),
	ref("8D 93 ?? ?? ?? ??", x86asm.LEA, x86asm.EDX, x86asm.EBX, ebxRel),
	ref("8D 8B ?? ?? ?? ??", x86asm.LEA, x86asm.ECX, x86asm.EBX, ebxRel),
}

// LinuxTitleRefs64 are the x86_64 forms loading the title address
// relative to RIP.
var LinuxTitleRefs64 = []patch.Reference{
	ref("48 8D 35 ?? ?? ?? ??", x86asm.LEA, x86asm.RSI, x86asm.RIP, ripRel),
	ref("48 8D 3D ?? ?? ?? ??", x86asm.LEA, x86asm.RDI, x86asm.RIP, ripRel),
	ref("48 8D 15 ?? ?? ?? ??", x86asm.LEA, x86asm.RDX, x86asm.RIP, ripRel),
}

// LinuxMenu32 skips creation of the menu bar on i386 players by turning
// the gtk_widget_show call on it into a no-op.
var LinuxMenu32 = []patch.Candidate{
	{
		patch.NewGroup(1,
			"8B 45 ?? 89 04 24 E8 ?? ?? ?? ?? 8B 45 ?? 8B 50 ?? 89 14 24 E8",
			"?? ?? ?? ?? ?? ?? 90 90 90 90 90 ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
	{
		patch.NewGroup(1,
			"89 34 24 E8 ?? ?? ?? ?? 8B 86 ?? ?? ?? ?? 89 04 24 E8 ?? ?? ?? ?? 83 C4",
			"?? ?? ?? 90 90 90 90 90 ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
}

// LinuxMenu64 is LinuxMenu32 for x86_64 players.
var LinuxMenu64 = []patch.Candidate{
	{
		patch.NewGroup(1,
			"48 8B BB ?? ?? ?? ?? E8 ?? ?? ?? ?? 48 8B BB ?? ?? ?? ?? BE 01 00 00 00 E8",
			"?? ?? ?? ?? ?? ?? ?? 0F 1F 44 00 00 ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
	{
		patch.NewGroup(1,
			"4C 89 E7 E8 ?? ?? ?? ?? 49 8B BC 24 ?? ?? ?? ?? E8 ?? ?? ?? ?? 48 83 C4",
			"?? ?? ?? 0F 1F 44 00 00 ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
}

// LinuxPathFix32 stops i386 players from resolving relative movie paths
// against the current directory by forcing the absolute-path branch.
var LinuxPathFix32 = []patch.Candidate{
	{
		patch.NewGroup(1,
			"80 38 2F 74 ?? 8D 85 ?? ?? ?? ?? 89 44 24 04",
			"?? ?? ?? EB ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
	{
		patch.NewGroup(1,
			"80 3E 2F 0F 84 ?? ?? ?? ?? 8D 9D",
			"?? ?? ?? 90 E9 ?? ?? ?? ?? ?? ??",
		),
	},
}

// LinuxPathFix64 is LinuxPathFix32 for x86_64 players.
var LinuxPathFix64 = []patch.Candidate{
	{
		patch.NewGroup(1,
			"41 80 3C 24 2F 74 ?? 48 8D BC 24",
			"?? ?? ?? ?? ?? EB ?? ?? ?? ?? ??",
		),
	},
	{
		patch.NewGroup(1,
			"80 3B 2F 0F 84 ?? ?? ?? ?? 48 8D B4 24",
			"?? ?? ?? 90 E9 ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
}

// LinuxOffset64 fixes x86_64 players reading the appended movie trailer
// with a 32-bit file offset.
var LinuxOffset64 = []patch.Candidate{
	{
		patch.NewGroup(1,
			"89 C7 BA 02 00 00 00 BE F8 FF FF FF E8",
			"?? ?? ?? ?? ?? ?? ?? 6A F8 5E 90 90 ??",
		),
	},
	{
		patch.NewGroup(1,
			"BA 02 00 00 00 BE F8 FF FF FF 89 EF E8",
			"?? ?? ?? ?? ?? 6A F8 5E 90 90 ?? ?? ??",
		),
		patch.NewGroup(1,
			"8B 44 24 ?? 89 C6 E8",
			"48 63 74 24 ?? 90 ??",
		),
	},
}

// MacTitleMatchers locate the reference to the default title CFString in
// Intel Mac players.
var MacTitleMatchers = []machoimg.TitleMatcher{
	{
		Name:     "x86_64 lea rsi",
		CPU:      macho.CpuAmd64,
		Ref:      ref("48 8D 35 ?? ?? ?? ??", x86asm.LEA, x86asm.RSI, x86asm.RIP, ripRel),
		CFString: true,
	},
	{
		Name:     "x86_64 lea rdx",
		CPU:      macho.CpuAmd64,
		Ref:      ref("48 8D 15 ?? ?? ?? ??", x86asm.LEA, x86asm.RDX, x86asm.RIP, ripRel),
		CFString: true,
	},
	{
		Name:     "i386 lea eax",
		CPU:      macho.Cpu386,
		Ref:      ref("8D 83 ?? ?? ?? ??", x86asm.LEA, x86asm.EAX, x86asm.EBX, ebxRel),
		PCBase:   x86asm.EBX,
		CFString: true,
	},
	{
		Name:     "i386 lea ecx",
		CPU:      macho.Cpu386,
		Ref:      ref("8D 8B ?? ?? ?? ??", x86asm.LEA, x86asm.ECX, x86asm.EBX, ebxRel),
		PCBase:   x86asm.EBX,
		CFString: true,
	},
}

// WindowsOutOfDate32 makes the i386 out-of-date check return immediately.
var WindowsOutOfDate32 = []patch.Candidate{
	{
		patch.NewGroup(1,
			"55 8B EC 83 EC ?? 53 56 57 8B F9 E8 ?? ?? ?? ?? 84 C0 74",
			"C3 ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
	{
		patch.NewGroup(1,
			"83 EC ?? 56 8B F1 E8 ?? ?? ?? ?? 85 C0 0F 84 ?? ?? ?? ?? 6A 00",
			"C3 ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
}

// WindowsOutOfDate64 is WindowsOutOfDate32 for x86_64 players.
var WindowsOutOfDate64 = []patch.Candidate{
	{
		patch.NewGroup(1,
			"48 89 5C 24 08 57 48 83 EC ?? 48 8B F9 E8 ?? ?? ?? ?? 84 C0 74",
			"C3 ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
	{
		patch.NewGroup(1,
			"40 53 48 83 EC ?? 48 8B D9 E8 ?? ?? ?? ?? 85 C0 0F 84",
			"C3 ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? ??",
		),
	},
}
