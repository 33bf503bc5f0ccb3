package extensions

type TTaskDefinition struct {
	TypeName string `xml:"type,attr"`
}
