package countrypkg

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/warp/microsim/entities"
)

// entitiesFile is the layout of entities.toml:
//
//	[person]
//	key = "person"
//	plural = "persons"
//
//	[[groups]]
//	key = "household"
//	plural = "households"
//	  [[groups.roles]]
//	  key = "parent"
//	  plural = "parents"
//	  max = 2
type entitiesFile struct {
	Person *entities.Entity   `toml:"person"`
	Groups []*entities.Entity `toml:"groups"`
}

// LoadEntities reads and initializes the entity kinds declared in path.
func LoadEntities(path string) (*entities.Entity, []*entities.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading entities: %w", err)
	}
	return ParseEntities(data)
}

// ParseEntities decodes an entities.toml document.
func ParseEntities(data []byte) (*entities.Entity, []*entities.Entity, error) {
	var f entitiesFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing entities.toml: %w", err)
	}
	if f.Person == nil {
		return nil, nil, fmt.Errorf("%w: entities.toml declares no [person]", entities.ErrInvalidEntity)
	}
	f.Person.IsPerson = true
	if err := f.Person.Init(); err != nil {
		return nil, nil, err
	}
	for _, g := range f.Groups {
		if g.IsPerson {
			return nil, nil, fmt.Errorf("%w: group %q is marked as person", entities.ErrInvalidEntity, g.Key)
		}
		if err := g.Init(); err != nil {
			return nil, nil, err
		}
	}
	return f.Person, f.Groups, nil
}
