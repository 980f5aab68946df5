package bus

import "fmt"

// Keys builds stream names under a namespace (default "AG1").
type Keys struct {
	Namespace string
}

func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = "AG1"
	}
	return Keys{Namespace: namespace}
}

func (k Keys) AgentInbox(agent string) string {
	return fmt.Sprintf("%s:agent:%s:inbox", k.Namespace, agent)
}

func (k Keys) EdgeResponse(platform, target string) string {
	return fmt.Sprintf("%s:edge:%s:%s:response", k.Namespace, platform, target)
}
