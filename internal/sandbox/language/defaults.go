package language

const csprojScaffold = `<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <OutputType>Exe</OutputType>
    <TargetFramework>net8.0</TargetFramework>
    <ImplicitUsings>enable</ImplicitUsings>
    <Nullable>disable</Nullable>
    <AssemblyName>Program</AssemblyName>
    <RootNamespace>Program</RootNamespace>
    <TreatWarningsAsErrors>false</TreatWarningsAsErrors>
    <NoWarn>CA2255;CS8321</NoWarn>
  </PropertyGroup>
</Project>
`

// DefaultSpecs returns the built-in toolchain definitions.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			ID:            "c",
			Name:          "C",
			Version:       "gnu11",
			Family:        FamilyC,
			Compiled:      true,
			SourceFile:    "main.c",
			BinaryFile:    "main",
			CompileCmdTpl: "gcc -O2 -std=gnu11 {src} -o {bin} -lm",
			RunCmdTpl:     "{bin}",
		},
		{
			ID:            "cpp",
			Name:          "C++",
			Version:       "gnu++17",
			Aliases:       []string{"c++"},
			Family:        FamilyCPP,
			Compiled:      true,
			SourceFile:    "main.cpp",
			BinaryFile:    "main",
			CompileCmdTpl: "g++ -O2 -std=gnu++17 {src} -o {bin}",
			RunCmdTpl:     "{bin}",
		},
		{
			ID:            "java",
			Name:          "Java",
			Family:        FamilyJava,
			Compiled:      true,
			SourceFile:    "{class}.java",
			CompileCmdTpl: "javac -encoding UTF-8 -d {dir} {src}",
			RunCmdTpl:     "java -Dfile.encoding=UTF-8 -cp {dir} {launcher} {main}",
		},
		{
			ID:            "csharp",
			Name:          "C#",
			Version:       "net8.0",
			Aliases:       []string{"c#", "cs"},
			Family:        FamilyCSharp,
			Compiled:      true,
			SourceFile:    "Program.cs",
			BinaryFile:    "out/Program.dll",
			CompileCmdTpl: "dotnet build {dir}/Program.csproj -c Release -o {dir}/out --nologo -v q -clp:NoSummary",
			RunCmdTpl:     "dotnet {bin}",
			Env: []string{
				"DOTNET_CLI_TELEMETRY_OPTOUT=1",
				"DOTNET_NOLOGO=1",
				"DOTNET_SKIP_FIRST_TIME_EXPERIENCE=1",
			},
			Scaffold: map[string]string{"Program.csproj": csprojScaffold},
		},
		{
			ID:            "python",
			Name:          "Python",
			Version:       "3",
			Aliases:       []string{"py", "python3"},
			Family:        FamilyPython,
			SourceFile:    "main.py",
			CompileCmdTpl: "python3 -m py_compile {src}",
			RunCmdTpl:     "python3 -u {src}",
			Env:           []string{"PYTHONIOENCODING=utf-8", "PYTHONDONTWRITEBYTECODE=1"},
		},
		{
			ID:            "javascript",
			Name:          "JavaScript",
			Aliases:       []string{"node", "js"},
			Family:        FamilyJavaScript,
			SourceFile:    "main.js",
			CompileCmdTpl: "node --check {src}",
			RunCmdTpl:     "node {src}",
		},
	}
}
