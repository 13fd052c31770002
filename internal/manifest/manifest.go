package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
	"ExtensionHost/pkg/extension"
)

const (
	// PackageJSON 是 VS Code 风格的清单文件名。
	PackageJSON = "package.json"
	// ExtensionYAML 是宿主原生的清单文件名。
	ExtensionYAML = "extension.yaml"
)

// CodeInvalidManifest 表示清单无法解析或字段不合法。
const CodeInvalidManifest xerrors.Code = "INVALID_MANIFEST"

func init() {
	xerrors.Register(CodeInvalidManifest, xerrors.Attributes{
		Message:  "invalid extension manifest",
		Severity: xerrors.SeverityWarning,
	})
}

// ErrNoManifest 表示目录中没有任何清单文件。
var ErrNoManifest = errors.New("no manifest found")

type document struct {
	ID                    string                 `yaml:"id"`
	Name                  string                 `yaml:"name"`
	Publisher             string                 `yaml:"publisher"`
	Version               string                 `yaml:"version"`
	Main                  string                 `yaml:"main"`
	ExtensionDependencies []string               `yaml:"extensionDependencies"`
	ActivationEvents      []string               `yaml:"activationEvents"`
	Capabilities          []extension.Capability `yaml:"capabilities"`
}

// Parse 解析清单内容。JSON 是 YAML 的子集，两种格式共用同一个解码器。
// 未显式给出 id 时使用 publisher.name，没有 publisher 时使用 name。
func Parse(raw []byte) (extension.Description, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return extension.Description{}, fmt.Errorf("decode manifest: %w", err)
	}
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		id = strings.TrimSpace(doc.Name)
		if pub := strings.TrimSpace(doc.Publisher); pub != "" && id != "" {
			id = pub + "." + id
		}
	}
	desc := extension.Description{
		ID:                    id,
		Name:                  doc.Name,
		Publisher:             doc.Publisher,
		Version:               doc.Version,
		Main:                  strings.TrimSpace(doc.Main),
		ExtensionDependencies: doc.ExtensionDependencies,
		ActivationEvents:      doc.ActivationEvents,
		Capabilities:          doc.Capabilities,
		Source:                extension.SourceManifest,
	}
	if err := desc.Validate(); err != nil {
		return extension.Description{}, err
	}
	return desc, nil
}

// LoadDir 读取单个扩展目录。package.json 优先于 extension.yaml。
// 相对路径的 .so 入口会被解析为目录内的绝对路径。
func LoadDir(dir string) (extension.Description, error) {
	for _, name := range []string{PackageJSON, ExtensionYAML} {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return extension.Description{}, fmt.Errorf("read %s: %w", path, err)
		}
		desc, err := Parse(raw)
		if err != nil {
			return extension.Description{}, fmt.Errorf("%s: %w", path, err)
		}
		desc.Location = dir
		if strings.HasSuffix(desc.Main, ".so") && !filepath.IsAbs(desc.Main) {
			desc.Main = filepath.Join(dir, desc.Main)
		}
		return desc, nil
	}
	return extension.Description{}, fmt.Errorf("%s: %w", dir, ErrNoManifest)
}

// Problem 记录一个被跳过的扩展目录。
type Problem struct {
	Dir string
	Err error
}

// Scan 遍历 root 的直接子目录，按目录名排序返回解析出的描述。
// 没有清单的目录被静默跳过，解析失败的目录记为 Problem。
func Scan(root string) ([]extension.Description, []Problem, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read extensions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var descs []extension.Description
	var problems []Problem
	for _, name := range names {
		dir := filepath.Join(root, name)
		desc, err := LoadDir(dir)
		if errors.Is(err, ErrNoManifest) {
			continue
		}
		if err != nil {
			problems = append(problems, Problem{Dir: dir, Err: err})
			continue
		}
		descs = append(descs, desc)
	}
	return descs, problems, nil
}

// Registrar 是接收扩展描述的注册表。
type Registrar interface {
	Register(desc extension.Description) error
}

// Load 扫描 root 并把结果注册到 reg。无效清单与注册冲突作为诊断消息发送到 sink。
// 返回成功注册的扩展数量。
func Load(ctx context.Context, root string, reg Registrar, sink messages.Sink) (int, error) {
	descs, problems, err := Scan(root)
	if err != nil {
		return 0, err
	}
	for _, p := range problems {
		notify(ctx, sink, messages.New(CodeInvalidManifest, filepath.Base(p.Dir), "", p.Err.Error()))
	}
	count := 0
	for _, desc := range descs {
		if err := reg.Register(desc); err != nil {
			notify(ctx, sink, messages.FromError(desc.ID, err))
			continue
		}
		count++
	}
	return count, nil
}

func notify(ctx context.Context, sink messages.Sink, msg messages.Message) {
	if sink == nil {
		return
	}
	_ = sink.Notify(ctx, msg)
}
