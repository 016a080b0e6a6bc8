package logfields

import "go.uber.org/zap"

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Tag(val string) zap.Field {
	return zap.String("git.tag", val)
}

func Remote(val string) zap.Field {
	return zap.String("git.remote", val)
}

func WorkDir(val string) zap.Field {
	return zap.String("git.work_dir", val)
}
