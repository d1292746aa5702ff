package supervisor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"linsight/backend/go/internal/linsight/agent"
	"linsight/backend/go/internal/linsight/blob"
	"linsight/backend/go/internal/linsight/fileparse"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// summaryLimit 是 SOP 提示词中每个输入文件摘要的字符数。
const summaryLimit = 2000

type preparedFiles struct {
	// local 是工作目录中属于输入的相对路径, 不作为最终产物上传。
	local     map[string]bool
	summaries []agent.FileSummary
}

// prepareFiles 并发下载输入文件并转换为 markdown。单个文件失败只记录日志。
func (s *Supervisor) prepareFiles(ctx context.Context, v *models.SessionVersion, scratch string) preparedFiles {
	out := preparedFiles{local: map[string]bool{}}
	if len(v.Files) == 0 {
		return out
	}
	log := s.log.WithTrace(v.ID, v.UserID)
	if s.blobs == nil {
		log.WithPayload(map[string]interface{}{"files": len(v.Files)}).Warn("未配置对象存储, 跳过输入文件下载")
		return out
	}

	files := make([]models.FileDescriptor, len(v.Files))
	copy(files, v.Files)
	names := localNames(files)
	summaries := make([]string, len(files))
	mdNames := make([]string, len(files))

	var g errgroup.Group
	g.SetLimit(s.cfg.DownloadConcurrency)
	for i := range files {
		g.Go(func() error {
			mdNames[i], summaries[i] = s.prepareFile(ctx, v.ID, scratch, names[i], &files[i], log)
			return nil
		})
	}
	_ = g.Wait()

	for i := range files {
		out.local[names[i]] = true
		if mdNames[i] != "" {
			out.local[mdNames[i]] = true
		}
		if summaries[i] != "" {
			out.summaries = append(out.summaries, agent.FileSummary{Name: names[i], Summary: summaries[i]})
		}
	}
	if err := s.store.UpdateVersionFields(ctx, v.ID, map[string]interface{}{"files": datatypes.JSONSlice[models.FileDescriptor](files)}); err != nil {
		log.WithError(models.ErrorInfoFrom(err)).Warn("更新文件解析状态失败")
	}
	return out
}

// prepareFile 下载一个输入文件并准备 markdown 副本, 返回 markdown 文件名与摘要。
func (s *Supervisor) prepareFile(ctx context.Context, versionID, scratch, name string, f *models.FileDescriptor, log *logger.Logger) (string, string) {
	flog := log.WithPayload(map[string]interface{}{"object": f.ObjectName, "file": name})
	dest := filepath.Join(scratch, name)
	if err := s.blobs.Download(ctx, f.ObjectName, dest); err != nil {
		flog.WithError(models.ErrorInfoFrom(err)).Warn("下载输入文件失败")
		return "", ""
	}

	mdPath := ""
	if f.MarkdownFilePath != "" && f.ParseStatus == models.ParseCompleted {
		mdName := f.MarkdownFilename
		if mdName == "" {
			mdName = filepath.Base(f.MarkdownFilePath)
		}
		candidate := filepath.Join(scratch, mdName)
		if candidate == dest {
			mdPath = dest
		} else if err := s.blobs.Download(ctx, f.MarkdownFilePath, candidate); err != nil {
			flog.WithError(models.ErrorInfoFrom(err)).Warn("下载 markdown 副本失败, 重新解析")
		} else {
			mdPath = candidate
		}
	}

	if mdPath == "" {
		converted, err := s.parser.ConvertToFile(ctx, dest)
		if err != nil {
			f.ParseStatus = models.ParseFailed
			flog.WithError(models.ErrorInfoFrom(err)).Warn("输入文件解析失败")
			return "", ""
		}
		mdPath = converted
		f.ParseStatus = models.ParseCompleted
		f.MarkdownFilename = filepath.Base(converted)
		if converted == dest {
			f.MarkdownFilePath = f.ObjectName
		} else {
			object := blob.MarkdownObjectName(versionID, f.MarkdownFilename)
			if err := s.blobs.Upload(ctx, object, converted); err != nil {
				flog.WithError(models.ErrorInfoFrom(err)).Warn("上传 markdown 副本失败")
			} else {
				f.MarkdownFilePath = object
			}
		}
	}

	data, err := os.ReadFile(mdPath)
	if err != nil {
		flog.WithError(models.ErrorInfoFrom(err)).Warn("读取 markdown 副本失败")
		return filepath.Base(mdPath), ""
	}
	return filepath.Base(mdPath), fileparse.Summary(string(data), summaryLimit)
}

// localNames 为每个输入文件分配工作目录中的文件名, 重名时加序号。
func localNames(files []models.FileDescriptor) []string {
	used := map[string]bool{}
	names := make([]string, len(files))
	for i, f := range files {
		base := filepath.Base(f.OriginalFilename)
		if f.OriginalFilename == "" || base == "." || base == "/" {
			base = filepath.Base(f.ObjectName)
		}
		ext := filepath.Ext(base)
		name := base
		for n := 1; used[name]; n++ {
			name = strings.TrimSuffix(base, ext) + "_" + strconv.Itoa(n) + ext
		}
		used[name] = true
		names[i] = name
	}
	return names
}

// collectFinalFiles 上传工作目录中由任务产生的文件 (输入文件除外), 返回其描述。
func (s *Supervisor) collectFinalFiles(ctx context.Context, v *models.SessionVersion, scratch string, inputs map[string]bool) []models.FileDescriptor {
	log := s.log.WithTrace(v.ID, v.UserID)
	var produced []string
	err := filepath.WalkDir(scratch, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(scratch, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !inputs[rel] {
			produced = append(produced, rel)
		}
		return nil
	})
	if err != nil {
		log.WithError(models.ErrorInfoFrom(err)).Warn("遍历工作目录失败")
	}
	if len(produced) == 0 {
		return nil
	}
	sort.Strings(produced)

	var out []models.FileDescriptor
	for _, rel := range produced {
		desc := models.FileDescriptor{OriginalFilename: rel}
		if s.blobs != nil {
			object := blob.FinalObjectName(v.ID, rel)
			if err := s.blobs.Upload(ctx, object, filepath.Join(scratch, filepath.FromSlash(rel))); err != nil {
				log.WithPayload(map[string]interface{}{"file": rel}).WithError(models.ErrorInfoFrom(err)).Warn("上传最终文件失败")
				continue
			}
			desc.ObjectName = object
		}
		out = append(out, desc)
	}
	return out
}

// referencedFiles 汇总所有任务历史中产生或上传的文件名。
func (s *Supervisor) referencedFiles(ctx context.Context, versionID string) ([]string, error) {
	tasks, err := s.store.ListTasks(ctx, versionID, true)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, t := range tasks {
		for _, step := range t.History {
			switch step.Type {
			case models.StepExec:
				for _, f := range step.Exec.FilesProduced {
					set[f] = true
				}
			case models.StepCallUserInput:
				for _, f := range step.CallInput.Files {
					set[f.OriginalFilename] = true
				}
			}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		if f != "" {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}
